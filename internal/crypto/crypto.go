package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrDecrypt is returned when stored ciphertext cannot be opened with the
// current key: wrong key, truncated payload, or tampered bytes. Callers must
// surface it; it never means "value absent".
var ErrDecrypt = errors.New("crypto: decryption failed")

// Ciphertext is an encrypted payload as stored at rest (base64 of nonce||ct).
// It redacts itself from fmt and JSON so an encrypted value can't leak a
// plaintext-shaped string through logging or generic serialization.
type Ciphertext string

func (c Ciphertext) String() string { return "[encrypted]" }

func (c Ciphertext) MarshalJSON() ([]byte, error) { return []byte(`"[encrypted]"`), nil }

// Raw returns the stored representation for persistence.
func (c Ciphertext) Raw() string { return string(c) }

type AEAD struct{ aead cipher.AEAD }

// New builds an AES-GCM cipher. Key must be 16, 24 or 32 bytes; the vault
// requires 32 (AES-256).
func New(key []byte) (*AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	a, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AEAD{aead: a}, nil
}

func (a *AEAD) Seal(plaintext string) (Ciphertext, error) {
	nonce := make([]byte, a.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ct := a.aead.Seal(nil, nonce, []byte(plaintext), nil)
	buf := append(nonce, ct...)
	return Ciphertext(base64.RawStdEncoding.EncodeToString(buf)), nil
}

func (a *AEAD) Open(c Ciphertext) (string, error) {
	buf, err := base64.RawStdEncoding.DecodeString(string(c))
	if err != nil {
		return "", fmt.Errorf("%w: bad encoding", ErrDecrypt)
	}
	ns := a.aead.NonceSize()
	if len(buf) < ns {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	pt, err := a.aead.Open(nil, buf[:ns], buf[ns:], nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(pt), nil
}
