package exchange

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// OrderEndpoint 为下单接口路径。
const OrderEndpoint = "/fapi/v1/order"

// ErrClockSkew 表示系统时钟回拨超出容忍范围，无法再产生比上一笔请求
// 更新的时间戳，继续签名会被交易所拒绝。
var ErrClockSkew = errors.New("exchange: 时钟回拨，无法生成递增时间戳")

// Clock 注入时间来源，便于测试。
type Clock func() time.Time

// SignedRequest 为一笔订单的规范化签名载荷，派发完即丢弃。
type SignedRequest struct {
	Endpoint  string
	Timestamp int64
	Payload   []byte
	Signature string
}

// 时钟轻微抖动的容忍范围。回拨不超过该值时借用下一毫秒，
// 超过则视为时钟真正回拨，拒绝签名。
const skewToleranceMillis = 1000

// RequestBuilder 将校验通过的订单参数转换为签名请求。
// 同一个 Builder 产生的时间戳严格递增：同一毫秒内的并发构造依次借用
// 后续毫秒（仍在 recvWindow 的新鲜度窗口内），只有系统时钟真正回拨
// 时才失败，防止非单调时钟破坏签名新鲜度。
type RequestBuilder struct {
	signer     *Signer
	clock      Clock
	recvWindow int64

	mu     sync.Mutex
	lastTS int64
}

// NewRequestBuilder 创建请求构造器，recvWindow 为交易所允许的时间偏移窗口。
func NewRequestBuilder(signer *Signer, recvWindow time.Duration, clock Clock) *RequestBuilder {
	if clock == nil {
		clock = time.Now
	}
	rw := recvWindow.Milliseconds()
	if rw <= 0 {
		rw = 5000
	}
	return &RequestBuilder{
		signer:     signer,
		clock:      clock,
		recvWindow: rw,
	}
}

// Build 按交易所要求的字段顺序序列化参数并签名。
// 字段顺序必须是 symbol, side, type, quantity, timestamp, recvWindow，
// 签名校验依赖逐字节一致的查询串。
func (b *RequestBuilder) Build(order OrderRequest) (SignedRequest, error) {
	// 时钟读取必须在锁内，否则持有较旧读数的协程会被误判为回拨。
	b.mu.Lock()
	ts := b.clock().UnixMilli()
	switch {
	case ts > b.lastTS:
		b.lastTS = ts
	case ts >= b.lastTS-skewToleranceMillis:
		// 同一毫秒或轻微抖动，借用下一毫秒保持严格递增。
		b.lastTS++
		ts = b.lastTS
	default:
		last := b.lastTS
		b.mu.Unlock()
		return SignedRequest{}, fmt.Errorf("%w: last=%d now=%d", ErrClockSkew, last, ts)
	}
	b.mu.Unlock()

	var sb strings.Builder
	sb.WriteString("symbol=")
	sb.WriteString(strings.ToUpper(order.Symbol))
	sb.WriteString("&side=")
	sb.WriteString(string(order.Side))
	sb.WriteString("&type=")
	sb.WriteString(string(order.Type))
	sb.WriteString("&quantity=")
	sb.WriteString(order.Quantity.String())
	sb.WriteString("&timestamp=")
	fmt.Fprintf(&sb, "%d", ts)
	sb.WriteString("&recvWindow=")
	fmt.Fprintf(&sb, "%d", b.recvWindow)

	canonical := sb.String()
	signature := b.signer.Sign(canonical)

	return SignedRequest{
		Endpoint:  OrderEndpoint,
		Timestamp: ts,
		Payload:   []byte(canonical + "&signature=" + signature),
		Signature: signature,
	}, nil
}
