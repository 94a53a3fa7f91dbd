package webhooks

import "testing"

func TestSignVerifyRoundTrip(t *testing.T) {
	body := []byte(`{"event":"message.read","data":{"messageId":"m1"}}`)
	sig := SignHMAC("s3cret", body)
	if !VerifyHMAC("s3cret", body, sig) {
		t.Fatal("valid signature rejected")
	}
	if VerifyHMAC("other", body, sig) {
		t.Fatal("wrong secret accepted")
	}
}

func TestVerifyRejectsSingleByteMutation(t *testing.T) {
	body := []byte(`{"entry":[{"id":"1"}]}`)
	sig := SignHMAC("s3cret", body)
	for i := range body {
		mutated := append([]byte(nil), body...)
		mutated[i] ^= 0x01
		if VerifyHMAC("s3cret", mutated, sig) {
			t.Fatalf("mutation at byte %d accepted", i)
		}
	}
}

func TestVerifyRejectsMalformedHeaders(t *testing.T) {
	body := []byte(`{}`)
	good := SignHMAC("s3cret", body)
	for _, h := range []string{"", good[len(SignaturePrefix):], "sha1=" + good[len(SignaturePrefix):], "sha256=zz", "sha256="} {
		if VerifyHMAC("s3cret", body, h) {
			t.Fatalf("header %q accepted", h)
		}
	}
	if VerifyHMAC("", body, SignHMAC("", body)) {
		t.Fatal("empty secret must never verify")
	}
}
