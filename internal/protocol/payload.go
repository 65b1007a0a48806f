package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/and161185/postbox/internal/errs"
	"github.com/and161185/postbox/internal/model"
)

func malformed(what string, got int) error {
	return fmt.Errorf("%s: %d bytes: %w", what, got, errs.ErrMalformed)
}

// --- registration (600 / 2100) ---

// EncodeRegister builds the fixed-width registration payload.
func EncodeRegister(username, publicKey string) []byte {
	p := make([]byte, 0, RegisterPayloadLen)
	p = append(p, PadField(username, NameLen)...)
	p = append(p, PadField(publicKey, PublicKeyLen)...)
	return p
}

// DecodeRegister parses a registration payload. Only the exact length is accepted.
func DecodeRegister(p []byte) (username, publicKey string, err error) {
	if len(p) != RegisterPayloadLen {
		return "", "", malformed("registration", len(p))
	}
	return TrimField(p[:NameLen]), TrimField(p[NameLen:]), nil
}

// DecodeToken parses a payload that is exactly one token.
func DecodeToken(p []byte) (model.Token, error) {
	t, ok := model.TokenFromBytes(p)
	if !ok {
		return model.NilToken, malformed("token", len(p))
	}
	return t, nil
}

// --- directory listing (601 / 2101) ---

// PeerEntry is one row of a directory listing.
type PeerEntry struct {
	Token    model.Token
	Username string
}

// EncodePeerList concatenates token + NUL-terminated name fields.
func EncodePeerList(entries []PeerEntry) []byte {
	p := make([]byte, 0, len(entries)*PeerEntryLen)
	for _, e := range entries {
		p = append(p, e.Token[:]...)
		p = append(p, PadNameField(e.Username, NameLen)...)
	}
	return p
}

// DecodePeerList splits a listing payload into entries.
func DecodePeerList(p []byte) ([]PeerEntry, error) {
	if len(p)%PeerEntryLen != 0 {
		return nil, malformed("peer list", len(p))
	}
	out := make([]PeerEntry, 0, len(p)/PeerEntryLen)
	for off := 0; off < len(p); off += PeerEntryLen {
		var e PeerEntry
		copy(e.Token[:], p[off:off+TokenLen])
		e.Username = cString(p[off+TokenLen : off+PeerEntryLen])
		out = append(out, e)
	}
	return out, nil
}

// --- public key lookup (602 / 2102) ---

// EncodePublicKey builds the lookup response: token + zero-padded key field.
func EncodePublicKey(t model.Token, publicKey string) []byte {
	p := make([]byte, 0, PublicKeyRespLen)
	p = append(p, t[:]...)
	p = append(p, PadField(publicKey, PublicKeyLen)...)
	return p
}

// DecodePublicKey parses a lookup response.
func DecodePublicKey(p []byte) (model.Token, string, error) {
	if len(p) != PublicKeyRespLen {
		return model.NilToken, "", malformed("public key", len(p))
	}
	var t model.Token
	copy(t[:], p[:TokenLen])
	return t, TrimField(p[TokenLen:]), nil
}

// --- send message (603 / 2103) ---

// SendRequest is the payload of a send-message request.
type SendRequest struct {
	Dest    model.Token
	Type    uint8
	Content []byte
}

// Encode builds dest + type + u32 length + content.
func (s *SendRequest) Encode() []byte {
	p := make([]byte, SendPrefixLen+len(s.Content))
	copy(p[:TokenLen], s.Dest[:])
	p[TokenLen] = s.Type
	binary.LittleEndian.PutUint32(p[TokenLen+1:SendPrefixLen], uint32(len(s.Content)))
	copy(p[SendPrefixLen:], s.Content)
	return p
}

// DecodeSend parses a send-message payload. The declared content length must
// match the remaining bytes exactly.
func DecodeSend(p []byte) (*SendRequest, error) {
	if len(p) < SendPrefixLen {
		return nil, malformed("send prefix", len(p))
	}
	n := binary.LittleEndian.Uint32(p[TokenLen+1 : SendPrefixLen])
	if uint64(n) != uint64(len(p)-SendPrefixLen) {
		return nil, fmt.Errorf("send content: declared %d, have %d: %w", n, len(p)-SendPrefixLen, errs.ErrMalformed)
	}
	s := &SendRequest{Type: p[TokenLen], Content: p[SendPrefixLen:]}
	copy(s.Dest[:], p[:TokenLen])
	return s, nil
}

// SendAck is the send-message response payload.
type SendAck struct {
	Dest model.Token
	ID   uint32
}

// Encode builds dest + u32 id.
func (a SendAck) Encode() []byte {
	p := make([]byte, SendAckLen)
	copy(p[:TokenLen], a.Dest[:])
	binary.LittleEndian.PutUint32(p[TokenLen:], a.ID)
	return p
}

// DecodeSendAck parses a send-message response payload.
func DecodeSendAck(p []byte) (SendAck, error) {
	var a SendAck
	if len(p) != SendAckLen {
		return a, malformed("send ack", len(p))
	}
	copy(a.Dest[:], p[:TokenLen])
	a.ID = binary.LittleEndian.Uint32(p[TokenLen:])
	return a, nil
}

// --- pull waiting (604 / 2104) ---

// WaitingMessage is one delivered mailbox entry as seen on the wire.
type WaitingMessage struct {
	Sender  model.Token
	ID      uint32
	Type    uint8
	Content []byte
}

// EncodeWaiting concatenates sender + id + type + length + content per message.
func EncodeWaiting(msgs []WaitingMessage) []byte {
	size := 0
	for _, m := range msgs {
		size += WaitingPrefixLen + len(m.Content)
	}
	p := make([]byte, 0, size)
	var u32 [4]byte
	for _, m := range msgs {
		p = append(p, m.Sender[:]...)
		binary.LittleEndian.PutUint32(u32[:], m.ID)
		p = append(p, u32[:]...)
		p = append(p, m.Type)
		binary.LittleEndian.PutUint32(u32[:], uint32(len(m.Content)))
		p = append(p, u32[:]...)
		p = append(p, m.Content...)
	}
	return p
}

// DecodeWaiting parses a pull-waiting payload.
func DecodeWaiting(p []byte) ([]WaitingMessage, error) {
	var out []WaitingMessage
	for off := 0; off < len(p); {
		if len(p)-off < WaitingPrefixLen {
			return nil, malformed("waiting entry", len(p)-off)
		}
		var m WaitingMessage
		copy(m.Sender[:], p[off:off+TokenLen])
		off += TokenLen
		m.ID = binary.LittleEndian.Uint32(p[off : off+4])
		off += 4
		m.Type = p[off]
		off++
		n := int(binary.LittleEndian.Uint32(p[off : off+4]))
		off += 4
		if n > len(p)-off {
			return nil, malformed("waiting content", len(p)-off)
		}
		m.Content = p[off : off+n]
		off += n
		out = append(out, m)
	}
	return out, nil
}
