package model

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidToken indicates a device token that is empty or not valid hex.
var ErrInvalidToken = errors.New("invalid device token")

// DeviceToken identifies a target device. The canonical form is a lower-case
// hex string; the wire form is the decoded bytes.
type DeviceToken struct {
	hex string
	bin []byte
}

// ParseToken builds a DeviceToken from a hex string. Embedded whitespace is
// tolerated and stripped before decoding.
func ParseToken(raw string) (DeviceToken, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, raw)
	if cleaned == "" {
		return DeviceToken{}, fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	cleaned = strings.ToLower(cleaned)
	bin, err := hex.DecodeString(cleaned)
	if err != nil {
		return DeviceToken{}, fmt.Errorf("%w: %s", ErrInvalidToken, raw)
	}
	return DeviceToken{hex: cleaned, bin: bin}, nil
}

// TokenFromBytes builds a DeviceToken from its binary form.
func TokenFromBytes(bin []byte) (DeviceToken, error) {
	if len(bin) == 0 {
		return DeviceToken{}, fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	copied := make([]byte, len(bin))
	copy(copied, bin)
	return DeviceToken{hex: hex.EncodeToString(copied), bin: copied}, nil
}

// String returns the canonical lower-case hex form.
func (t DeviceToken) String() string {
	return t.hex
}

// Binary returns the decoded token bytes.
func (t DeviceToken) Binary() []byte {
	return t.bin
}

// IsZero reports whether the token is unset.
func (t DeviceToken) IsZero() bool {
	return len(t.bin) == 0
}
