package exchange

import "testing"

func TestSigner_Sign(t *testing.T) {
	// 标准 HMAC-SHA256 测试向量。
	signer := NewSigner("dummy_key", "key")

	got := signer.Sign("The quick brown fox jumps over the lazy dog")
	want := "f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8"
	if got != want {
		t.Errorf("HMAC mismatch.\n got %s\nwant %s", got, want)
	}
}

func TestSigner_APIKey(t *testing.T) {
	signer := NewSigner("api-key", "secret")
	if signer.APIKey() != "api-key" {
		t.Errorf("expected api-key, got %s", signer.APIKey())
	}
}

func TestSigner_Wipe(t *testing.T) {
	signer := NewSigner("api-key", "secret")
	signer.Wipe()

	for _, b := range signer.secretKey {
		if b != 0 {
			t.Fatalf("secret not wiped: % x", signer.secretKey)
		}
	}
	for _, b := range signer.apiKey {
		if b != 0 {
			t.Fatalf("api key not wiped: % x", signer.apiKey)
		}
	}
}
