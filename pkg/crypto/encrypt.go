package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/scrypt"
)

// Шифрование API-ключей бирж в конфигурации: AES-256-GCM,
// ключ выводится из passphrase через scrypt.

// Ошибки шифрования
var (
	ErrEmptyPassphrase    = errors.New("encryption passphrase must not be empty")
	ErrInvalidCiphertext  = errors.New("invalid ciphertext")
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	ErrDecryptionFailed   = errors.New("decryption failed: authentication error")
)

// Фиксированная соль вывода ключа: ключи бирж шифруются одним
// passphrase на инсталляцию, случайная соль хранилась бы рядом
// с шифртекстом без выигрыша в стойкости.
var kdfSalt = []byte("fundarb.credentials.v1")

// DeriveKey выводит 32-байтовый ключ AES-256 из passphrase
func DeriveKey(passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	return scrypt.Key([]byte(passphrase), kdfSalt, 1<<15, 8, 1, 32)
}

// Encrypt шифрует plaintext, возвращает base64-строку nonce||ciphertext||tag
func Encrypt(plaintext, passphrase string) (string, error) {
	key, err := DeriveKey(passphrase)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt расшифровывает base64-шифртекст
func Decrypt(ciphertextBase64, passphrase string) (string, error) {
	key, err := DeriveKey(passphrase)
	if err != nil {
		return "", err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextBase64)
	if err != nil {
		return "", ErrInvalidCiphertext
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", ErrCiphertextTooShort
	}

	nonce, data := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}
