package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
)

var (
	// ErrKeyUnavailable is returned when the master key is absent. The
	// process must not start without it.
	ErrKeyUnavailable = errors.New("vault: master key unavailable")
	ErrInvalidPayload = errors.New("vault: invalid encrypted payload")
)

// Vault provides symmetric authenticated encryption for gateway
// credentials and bot tokens. Read-only after construction.
type Vault struct {
	key []byte
}

type envelope struct {
	Version    int    `json:"version"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// New derives the AES-256 key from the master key material.
func New(masterKey string) (*Vault, error) {
	masterKey = strings.TrimSpace(masterKey)
	if masterKey == "" {
		return nil, ErrKeyUnavailable
	}
	sum := sha256.Sum256([]byte(masterKey))
	return &Vault{key: sum[:]}, nil
}

// Encrypt seals plaintext into a versioned JSON envelope.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	gcm, err := v.aead()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	out, err := json.Marshal(envelope{
		Version:    1,
		Nonce:      base64.RawStdEncoding.EncodeToString(nonce),
		Ciphertext: base64.RawStdEncoding.EncodeToString(sealed),
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Decrypt opens a value produced by Encrypt.
func (v *Vault) Decrypt(encrypted string) (string, error) {
	if strings.TrimSpace(encrypted) == "" {
		return "", ErrInvalidPayload
	}

	var payload envelope
	if err := json.Unmarshal([]byte(encrypted), &payload); err != nil {
		return "", ErrInvalidPayload
	}
	if payload.Version != 1 {
		return "", ErrInvalidPayload
	}

	nonce, err := base64.RawStdEncoding.DecodeString(payload.Nonce)
	if err != nil {
		return "", ErrInvalidPayload
	}
	ciphertext, err := base64.RawStdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return "", ErrInvalidPayload
	}

	gcm, err := v.aead()
	if err != nil {
		return "", err
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrInvalidPayload
	}
	return string(plain), nil
}

// Rotate re-encrypts a value sealed under a previous master key.
func (v *Vault) Rotate(oldKey string, encrypted string) (string, error) {
	old, err := New(oldKey)
	if err != nil {
		return "", err
	}
	plain, err := old.Decrypt(encrypted)
	if err != nil {
		return "", err
	}
	return v.Encrypt(plain)
}

func (v *Vault) aead() (cipher.AEAD, error) {
	if len(v.key) == 0 {
		return nil, ErrKeyUnavailable
	}
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Mask hides all but the last 6 characters of a secret for log output.
func Mask(secret string) string {
	if len(secret) <= 6 {
		return "******"
	}
	return "******" + secret[len(secret)-6:]
}
