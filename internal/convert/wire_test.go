package convert

import (
	"math"
	"testing"

	"github.com/and161185/postbox/internal/model"
)

func TestToPeerEntries(t *testing.T) {
	t.Parallel()

	if got := ToPeerEntries(nil); got == nil || len(got) != 0 {
		t.Fatalf("nil input must give empty slice, got %#v", got)
	}

	var a, b model.Token
	a[0], b[0] = 1, 2
	got := ToPeerEntries([]model.Identity{{Token: a, Username: "alice", PublicKey: "x"}, {Token: b, Username: "bob"}})
	if len(got) != 2 || got[0].Token != a || got[0].Username != "alice" || got[1].Username != "bob" {
		t.Fatalf("entries = %+v", got)
	}
}

func TestToWireID_Wraps(t *testing.T) {
	t.Parallel()

	if ToWireID(7) != 7 {
		t.Fatalf("small id changed")
	}
	if ToWireID(math.MaxUint32+2) != 1 {
		t.Fatalf("id past 2^32 must wrap")
	}
}

func TestToSendAckAndWaiting(t *testing.T) {
	t.Parallel()

	var dest, snd model.Token
	dest[1], snd[2] = 5, 6
	ack := ToSendAck(dest, 42)
	if ack.Dest != dest || ack.ID != 42 {
		t.Fatalf("ack = %+v", ack)
	}

	w := ToWaiting([]model.PendingMessage{{ID: 3, Recipient: dest, Sender: snd, Type: 2, Content: []byte("k")}})
	if len(w) != 1 || w[0].Sender != snd || w[0].ID != 3 || w[0].Type != 2 || string(w[0].Content) != "k" {
		t.Fatalf("waiting = %+v", w)
	}
}
