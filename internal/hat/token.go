// Package hat encodes, signs and verifies hardware auth tokens: the opaque
// proof that a credential check (or a face match) happened recently.
package hat

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Version is the only token layout understood here.
const Version uint8 = 0

// Size is the packed length of a token on the wire.
const Size = 1 + 8 + 8 + 8 + 4 + 8 + macSize

const (
	macSize    = 32
	signedSize = Size - macSize
)

// AuthenticatorType is a bit set naming what produced the token.
type AuthenticatorType uint32

const (
	TypeNone        AuthenticatorType = 0
	TypePassword    AuthenticatorType = 1 << 0
	TypeFingerprint AuthenticatorType = 1 << 1
	TypeFace        AuthenticatorType = 1 << 2
	TypeAny         AuthenticatorType = 0xFFFFFFFF
)

var ErrMalformed = errors.New("hat: malformed token")

// Token is a decoded hardware auth token. Challenge, UserID and
// AuthenticatorID are little-endian on the wire; AuthenticatorType and
// Timestamp are big-endian.
type Token struct {
	Version           uint8
	Challenge         uint64
	UserID            uint64
	AuthenticatorID   uint64
	AuthenticatorType AuthenticatorType
	// Timestamp is in milliseconds.
	Timestamp uint64
	MAC       [macSize]byte
}

// IssuedAt returns the token timestamp as a time.
func (t Token) IssuedAt() time.Time {
	return time.UnixMilli(int64(t.Timestamp))
}

// MarshalBinary packs the token into its wire form.
func (t Token) MarshalBinary() ([]byte, error) {
	buf := make([]byte, Size)
	t.putSigned(buf)
	copy(buf[signedSize:], t.MAC[:])
	return buf, nil
}

// UnmarshalBinary decodes a wire token.
func (t *Token) UnmarshalBinary(data []byte) error {
	if len(data) != Size {
		return fmt.Errorf("%w: length %d, want %d", ErrMalformed, len(data), Size)
	}
	if data[0] != Version {
		return fmt.Errorf("%w: version %d", ErrMalformed, data[0])
	}
	t.Version = data[0]
	t.Challenge = binary.LittleEndian.Uint64(data[1:9])
	t.UserID = binary.LittleEndian.Uint64(data[9:17])
	t.AuthenticatorID = binary.LittleEndian.Uint64(data[17:25])
	t.AuthenticatorType = AuthenticatorType(binary.BigEndian.Uint32(data[25:29]))
	t.Timestamp = binary.BigEndian.Uint64(data[29:37])
	copy(t.MAC[:], data[signedSize:])
	return nil
}

// Parse decodes data into a Token.
func Parse(data []byte) (Token, error) {
	var t Token
	if err := t.UnmarshalBinary(data); err != nil {
		return Token{}, err
	}
	return t, nil
}

func (t Token) putSigned(buf []byte) {
	buf[0] = t.Version
	binary.LittleEndian.PutUint64(buf[1:9], t.Challenge)
	binary.LittleEndian.PutUint64(buf[9:17], t.UserID)
	binary.LittleEndian.PutUint64(buf[17:25], t.AuthenticatorID)
	binary.BigEndian.PutUint32(buf[25:29], uint32(t.AuthenticatorType))
	binary.BigEndian.PutUint64(buf[29:37], t.Timestamp)
}

func (t Token) signedBytes() []byte {
	buf := make([]byte, signedSize)
	t.putSigned(buf)
	return buf
}
