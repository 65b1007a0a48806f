// Package redis contains a Redis-backed repository.Mailbox, letting several
// relay processes share queues while the directory stays in SQL.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/and161185/postbox/internal/model"
)

const (
	seqKey    = "postbox:msg:seq"
	boxPrefix = "postbox:box:"
)

// Mailbox keeps one Redis list per recipient.
type Mailbox struct {
	client *redis.Client
	now    func() time.Time
}

// New parses url, connects and pings.
func New(ctx context.Context, url string) (*Mailbox, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Mailbox{client: client, now: time.Now}, nil
}

// Close closes the client.
func (m *Mailbox) Close() error { return m.client.Close() }

// Ping checks the connection.
func (m *Mailbox) Ping(ctx context.Context) error { return m.client.Ping(ctx).Err() }

func boxKey(recipient model.Token) string {
	return fmt.Sprintf("%s%x", boxPrefix, recipient[:])
}

// entry is the JSON form of a queued message. []byte fields travel as base64.
// The id is not part of it; list elements are "<id>:<json>".
type entry struct {
	Sender    []byte `json:"sender"`
	Type      uint8  `json:"type"`
	Content   []byte `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

// enqueueScript takes the next id and appends in one step, so list order is
// id order even with concurrent senders.
var enqueueScript = redis.NewScript(`
local id = redis.call('INCR', KEYS[1])
redis.call('RPUSH', KEYS[2], string.format('%d', id) .. ':' .. ARGV[1])
return id
`)

func encodeEntry(m model.PendingMessage) ([]byte, error) {
	return json.Marshal(entry{
		Sender:    m.Sender[:],
		Type:      m.Type,
		Content:   m.Content,
		CreatedAt: m.CreatedAt.UnixMilli(),
	})
}

func decodeEntry(recipient model.Token, s string) (model.PendingMessage, error) {
	rawID, data, ok := strings.Cut(s, ":")
	if !ok {
		return model.PendingMessage{}, errors.New("entry without id")
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return model.PendingMessage{}, fmt.Errorf("entry id: %w", err)
	}
	var e entry
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return model.PendingMessage{}, err
	}
	sender, _ := model.TokenFromBytes(e.Sender)
	return model.PendingMessage{
		ID:        id,
		Recipient: recipient,
		Sender:    sender,
		Type:      e.Type,
		Content:   e.Content,
		CreatedAt: time.UnixMilli(e.CreatedAt),
	}, nil
}

// Enqueue assigns the next global id and appends to the recipient's box.
func (m *Mailbox) Enqueue(ctx context.Context, recipient, sender model.Token, typ uint8, content []byte) (int64, error) {
	data, err := encodeEntry(model.PendingMessage{
		Sender:    sender,
		Type:      typ,
		Content:   content,
		CreatedAt: m.now(),
	})
	if err != nil {
		return 0, err
	}
	return enqueueScript.Run(ctx, m.client, []string{seqKey, boxKey(recipient)}, data).Int64()
}

// DequeueAll reads and deletes the box inside MULTI/EXEC, so concurrent pulls
// see disjoint sets.
func (m *Mailbox) DequeueAll(ctx context.Context, recipient model.Token) ([]model.PendingMessage, error) {
	key := boxKey(recipient)
	var lr *redis.StringSliceCmd
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lr = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, err
	}

	raw := lr.Val()
	out := make([]model.PendingMessage, 0, len(raw))
	for _, s := range raw {
		msg, err := decodeEntry(recipient, s)
		if err != nil {
			// already deleted; an undecodable entry cannot be delivered
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}
