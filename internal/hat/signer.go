package hat

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var ErrBadSignature = errors.New("hat: signature mismatch")

// Key derivation labels. Credential tokens and face tokens never share a key.
const (
	InfoCredential = "faceauth/hat/credential"
	InfoFace       = "faceauth/hat/face"
)

// DeriveKey expands secret into a 32-byte HMAC key bound to info.
func DeriveKey(secret []byte, info string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("hat: empty secret")
	}
	key := make([]byte, macSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("hat: derive key: %w", err)
	}
	return key, nil
}

// HMACSigner signs and verifies tokens with HMAC-SHA256 over the packed
// fields preceding the MAC.
type HMACSigner struct {
	key []byte
}

func NewHMACSigner(key []byte) *HMACSigner {
	k := make([]byte, len(key))
	copy(k, key)
	return &HMACSigner{key: k}
}

// Sign returns t with its MAC filled in.
func (s *HMACSigner) Sign(t Token) Token {
	t.Version = Version
	copy(t.MAC[:], s.mac(t))
	return t
}

// Verify checks the MAC of t.
func (s *HMACSigner) Verify(t Token) error {
	if !hmac.Equal(t.MAC[:], s.mac(t)) {
		return ErrBadSignature
	}
	return nil
}

func (s *HMACSigner) mac(t Token) []byte {
	h := hmac.New(sha256.New, s.key)
	h.Write(t.signedBytes())
	return h.Sum(nil)
}
