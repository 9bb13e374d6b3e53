package crypto

import (
	"errors"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	plaintext := "api-key-abcdef123456"
	passphrase := "correct horse battery staple"

	ciphertext, err := Encrypt(plaintext, passphrase)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if ciphertext == plaintext {
		t.Fatal("ciphertext equals plaintext")
	}

	decrypted, err := Decrypt(ciphertext, passphrase)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if decrypted != plaintext {
		t.Errorf("round trip = %q, want %q", decrypted, plaintext)
	}
}

func TestEncryptProducesUniqueNonce(t *testing.T) {
	a, err := Encrypt("secret", "pass")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Encrypt("secret", "pass")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("same plaintext must encrypt to different ciphertexts")
	}
}

func TestDecryptWrongPassphrase(t *testing.T) {
	ciphertext, err := Encrypt("secret", "right")
	if err != nil {
		t.Fatal(err)
	}
	_, err = Decrypt(ciphertext, "wrong")
	if !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("err = %v, want ErrDecryptionFailed", err)
	}
}

func TestDecryptMalformedInput(t *testing.T) {
	if _, err := Decrypt("not base64 !!!", "pass"); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("err = %v, want ErrInvalidCiphertext", err)
	}
	if _, err := Decrypt("YWJj", "pass"); !errors.Is(err, ErrCiphertextTooShort) {
		t.Errorf("err = %v, want ErrCiphertextTooShort", err)
	}
}

func TestEmptyPassphraseRejected(t *testing.T) {
	if _, err := Encrypt("secret", ""); !errors.Is(err, ErrEmptyPassphrase) {
		t.Errorf("Encrypt err = %v, want ErrEmptyPassphrase", err)
	}
	if _, err := DeriveKey(""); !errors.Is(err, ErrEmptyPassphrase) {
		t.Errorf("DeriveKey err = %v, want ErrEmptyPassphrase", err)
	}
}
