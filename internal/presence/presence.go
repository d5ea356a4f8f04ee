// Package presence tracks who is currently viewing or editing a document.
// Entries live in Redis with a short TTL so a crashed client disappears on
// its own; nothing in here is persisted.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is one participant's ephemeral state in a document.
type Entry struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Color       string    `json:"color"`
	CursorBlock int       `json:"cursor_block"`
	CursorChar  int       `json:"cursor_char"`
	TypingUntil time.Time `json:"typing_until,omitempty"`
	SeenAt      time.Time `json:"seen_at"`
}

// Typing reports whether the participant's typing indicator is still live.
func (e Entry) Typing(now time.Time) bool {
	return now.Before(e.TypingUntil)
}

// Tracker stores presence entries keyed by document and user.
type Tracker struct {
	client    *redis.Client
	entryTTL  time.Duration
	typingTTL time.Duration
}

func NewTracker(client *redis.Client, entryTTL, typingTTL time.Duration) *Tracker {
	if entryTTL <= 0 {
		entryTTL = 30 * time.Second
	}
	if typingTTL <= 0 {
		typingTTL = 1200 * time.Millisecond
	}
	return &Tracker{client: client, entryTTL: entryTTL, typingTTL: typingTTL}
}

func (t *Tracker) key(docID, userID string) string {
	return "presence:" + docID + ":" + userID
}

func (t *Tracker) pattern(docID string) string {
	return "presence:" + docID + ":*"
}

func (t *Tracker) channel(docID string) string {
	return "presence-events:" + docID
}

// Announce registers a participant. The display color is derived from the
// user id so every client renders the same participant the same way.
func (t *Tracker) Announce(ctx context.Context, docID, userID, displayName string) (Entry, error) {
	entry := Entry{
		UserID:      userID,
		DisplayName: displayName,
		Color:       ColorFor(userID),
		SeenAt:      time.Now().UTC(),
	}
	if err := t.write(ctx, docID, entry); err != nil {
		return Entry{}, err
	}
	t.publish(ctx, docID, "joined", entry)
	return entry, nil
}

// Heartbeat refreshes a participant's entry and moves their cursor. Unknown
// participants are re-registered; clients heartbeat blindly after reconnect.
func (t *Tracker) Heartbeat(ctx context.Context, docID, userID, displayName string, cursorBlock, cursorChar int) (Entry, error) {
	entry, err := t.read(ctx, docID, userID)
	if err == redis.Nil {
		entry = Entry{UserID: userID, DisplayName: displayName, Color: ColorFor(userID)}
	} else if err != nil {
		return Entry{}, fmt.Errorf("read presence entry: %w", err)
	}
	entry.CursorBlock = cursorBlock
	entry.CursorChar = cursorChar
	entry.SeenAt = time.Now().UTC()
	if displayName != "" {
		entry.DisplayName = displayName
	}
	if err := t.write(ctx, docID, entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// SetTyping marks the participant as typing for the typing TTL. The deadline
// lives inside the entry, so it clears on read without a separate timer.
func (t *Tracker) SetTyping(ctx context.Context, docID, userID string) error {
	entry, err := t.read(ctx, docID, userID)
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read presence entry: %w", err)
	}
	entry.TypingUntil = time.Now().UTC().Add(t.typingTTL)
	entry.SeenAt = time.Now().UTC()
	return t.write(ctx, docID, entry)
}

// List returns every live participant in a document, sorted by user id.
func (t *Tracker) List(ctx context.Context, docID string) ([]Entry, error) {
	var entries []Entry
	iter := t.client.Scan(ctx, 0, t.pattern(docID), 100).Iterator()
	for iter.Next(ctx) {
		raw, err := t.client.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read presence entry: %w", err)
		}
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan presence entries: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })
	return entries, nil
}

// Leave removes a participant immediately instead of waiting for the TTL.
func (t *Tracker) Leave(ctx context.Context, docID, userID string) error {
	entry, err := t.read(ctx, docID, userID)
	if err != nil && err != redis.Nil {
		return fmt.Errorf("read presence entry: %w", err)
	}
	if err := t.client.Del(ctx, t.key(docID, userID)).Err(); err != nil {
		return fmt.Errorf("delete presence entry: %w", err)
	}
	if entry.UserID != "" {
		t.publish(ctx, docID, "left", entry)
	}
	return nil
}

// Event is a presence change broadcast to watchers of a document.
type Event struct {
	Kind  string `json:"kind"` // joined or left
	Entry Entry  `json:"entry"`
}

// Watch subscribes to join/leave events for a document. The returned channel
// closes when ctx is done.
func (t *Tracker) Watch(ctx context.Context, docID string) (<-chan Event, error) {
	sub := t.client.Subscribe(ctx, t.channel(docID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe presence events: %w", err)
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (t *Tracker) read(ctx context.Context, docID, userID string) (Entry, error) {
	raw, err := t.client.Get(ctx, t.key(docID, userID)).Result()
	if err != nil {
		return Entry{}, err
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return Entry{}, fmt.Errorf("unmarshal presence entry: %w", err)
	}
	return entry, nil
}

func (t *Tracker) write(ctx context.Context, docID string, entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal presence entry: %w", err)
	}
	if err := t.client.Set(ctx, t.key(docID, entry.UserID), raw, t.entryTTL).Err(); err != nil {
		return fmt.Errorf("write presence entry: %w", err)
	}
	return nil
}

// publish is best-effort; a missed event only delays the next List refresh.
func (t *Tracker) publish(ctx context.Context, docID, kind string, entry Entry) {
	raw, err := json.Marshal(Event{Kind: kind, Entry: entry})
	if err != nil {
		return
	}
	_ = t.client.Publish(ctx, t.channel(docID), raw).Err()
}

// palette holds the cursor colors assigned to participants.
var palette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#fabebe",
	"#008080", "#9a6324", "#800000", "#808000", "#000075",
}

// ColorFor maps a user id to a stable palette color.
func ColorFor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return palette[h.Sum32()%uint32(len(palette))]
}
