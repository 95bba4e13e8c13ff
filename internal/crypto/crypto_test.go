package crypto

import "testing"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	box := New("test-secret")

	plaintext := `{"accessToken":"abc","refreshToken":"def"}`
	blob, err := box.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	got, err := box.Decrypt(blob)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != plaintext {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestEncryptProducesDistinctIVsEachCall(t *testing.T) {
	box := New("test-secret")

	a, err := box.Encrypt("same plaintext")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := box.Encrypt("same plaintext")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if a == b {
		t.Fatal("expected distinct ciphertexts for two encryptions of the same plaintext (random IV)")
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	a := New("secret-a")
	b := New("secret-b")

	blob, err := a.Encrypt("hello")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	got, err := b.Decrypt(blob)
	if err == nil && got == "hello" {
		t.Fatal("expected decrypt under a different key to fail or produce garbage")
	}
}

func TestDecryptMalformedBlob(t *testing.T) {
	box := New("test-secret")

	if _, err := box.Decrypt("not-a-valid-blob"); err == nil {
		t.Fatal("expected error for blob missing the iv:ciphertext separator")
	}
	if _, err := box.Decrypt("zz:zz"); err == nil {
		t.Fatal("expected error for non-hex iv/ciphertext")
	}
	if _, err := box.Decrypt("00:00"); err == nil {
		t.Fatal("expected error for ciphertext not a multiple of the block size")
	}
}

func TestHashAPIKeyDeterministicAndDistinct(t *testing.T) {
	box := New("test-secret")

	h1 := box.HashAPIKey("sk-live-abc")
	h2 := box.HashAPIKey("sk-live-abc")
	if h1 != h2 {
		t.Fatal("expected HashAPIKey to be deterministic for the same input")
	}

	h3 := box.HashAPIKey("sk-live-xyz")
	if h1 == h3 {
		t.Fatal("expected distinct hashes for distinct API keys")
	}
}

func TestHashAPIKeyDiffersAcrossBoxSecrets(t *testing.T) {
	a := New("secret-a")
	b := New("secret-b")

	if a.HashAPIKey("sk-live-abc") == b.HashAPIKey("sk-live-abc") {
		t.Fatal("expected the gateway secret to salt the hash, so two boxes diverge")
	}
}

func TestDeriveKeyCachesResult(t *testing.T) {
	box := New("test-secret")

	k1, err := box.DeriveKey("some-salt")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	k2, err := box.DeriveKey("some-salt")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if len(k1) != keyLen || len(k2) != keyLen {
		t.Fatalf("expected %d-byte keys, got %d and %d", keyLen, len(k1), len(k2))
	}
	for i := range k1 {
		if k1[i] != k2[i] {
			t.Fatal("expected cached DeriveKey to return the identical key bytes")
		}
	}
}

func TestPKCS7PadUnpadRoundTrip(t *testing.T) {
	for _, s := range []string{"", "a", "exactly16bytes!!", "a bit longer than one block of data"} {
		padded := pkcs7Pad([]byte(s), 16)
		if len(padded)%16 != 0 {
			t.Fatalf("padded length %d not a multiple of block size for input %q", len(padded), s)
		}
		unpadded, err := pkcs7Unpad(padded, 16)
		if err != nil {
			t.Fatalf("pkcs7Unpad: %v", err)
		}
		if string(unpadded) != s {
			t.Fatalf("got %q want %q", unpadded, s)
		}
	}
}
