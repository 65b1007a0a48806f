// Package convert maps domain entities to wire payload structures.
package convert

import (
	"github.com/and161185/postbox/internal/model"
	"github.com/and161185/postbox/internal/protocol"
)

// ToPeerEntries converts identities to listing rows, keeping order.
func ToPeerEntries(ids []model.Identity) []protocol.PeerEntry {
	out := make([]protocol.PeerEntry, 0, len(ids))
	for _, id := range ids {
		out = append(out, protocol.PeerEntry{Token: id.Token, Username: id.Username})
	}
	return out
}

// ToWireID narrows a store id to the 32-bit wire field. Ids past 2^32 wrap.
func ToWireID(id int64) uint32 { return uint32(id) }

// ToSendAck builds the send-message acknowledgement.
func ToSendAck(dest model.Token, id int64) protocol.SendAck {
	return protocol.SendAck{Dest: dest, ID: ToWireID(id)}
}

// ToWaiting converts delivered mailbox entries to wire entries.
func ToWaiting(msgs []model.PendingMessage) []protocol.WaitingMessage {
	out := make([]protocol.WaitingMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, protocol.WaitingMessage{
			Sender:  m.Sender,
			ID:      ToWireID(m.ID),
			Type:    m.Type,
			Content: m.Content,
		})
	}
	return out
}
