// Package model defines domain entities used by services and repositories.
package model

import (
	"encoding/hex"
	"time"

	"github.com/gofrs/uuid/v5"
)

// TokenLen is the size of a client token on the wire and in storage.
const TokenLen = 16

// Token is the opaque 16-byte client identifier issued at registration.
// It doubles as the addressing key and the credential for later requests.
type Token [TokenLen]byte

// NilToken is the all-zero token; it is never issued.
var NilToken Token

// NewToken returns a fresh random token (UUIDv4 layout).
func NewToken() (Token, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return NilToken, err
	}
	return Token(id), nil
}

// TokenFromBytes copies b into a Token. ok is false if b has the wrong length.
func TokenFromBytes(b []byte) (t Token, ok bool) {
	if len(b) != TokenLen {
		return NilToken, false
	}
	copy(t[:], b)
	return t, true
}

// Bytes returns the token as a freshly allocated slice.
func (t Token) Bytes() []byte {
	b := make([]byte, TokenLen)
	copy(b, t[:])
	return b
}

// String renders the token in canonical UUID form.
func (t Token) String() string { return uuid.UUID(t).String() }

// Short returns the first 8 hex chars, for logs.
func (t Token) Short() string { return hex.EncodeToString(t[:4]) }

// IsZero reports whether t is the nil token.
func (t Token) IsZero() bool { return t == NilToken }

// Identity is a registered client owned by the directory.
type Identity struct {
	Token     Token     // unique, immutable
	Username  string    // unique, immutable, <= 255 ASCII bytes
	PublicKey string    // <= 160 ASCII bytes
	LastSeen  time.Time // refreshed on activity
}

// PendingMessage is a mailbox entry waiting for its recipient to pull it.
type PendingMessage struct {
	ID        int64 // monotonically increasing per store
	Recipient Token
	Sender    Token
	Type      uint8 // caller-defined tag
	Content   []byte
	CreatedAt time.Time
}

// Message types used by the bundled client. The relay treats Type as opaque.
const (
	MsgTypeSymKeyRequest uint8 = 1
	MsgTypeSymKey        uint8 = 2
	MsgTypeText          uint8 = 3
	MsgTypeFile          uint8 = 4
)
