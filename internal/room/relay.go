package room

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Relay fans document updates out across server instances. A single-process
// deployment uses LocalRelay; clustered deployments use RedisRelay so every
// instance hosting a room sees every update.
type Relay interface {
	Publish(ctx context.Context, docID string, payload []byte) error
	Subscribe(ctx context.Context, docID string, fn func(payload []byte)) (cancel func(), err error)
}

// LocalRelay is an in-process Relay for single-instance deployments and tests.
type LocalRelay struct {
	mu   sync.Mutex
	subs map[string]map[int]func([]byte)
	next int
}

func NewLocalRelay() *LocalRelay {
	return &LocalRelay{subs: make(map[string]map[int]func([]byte))}
}

func (r *LocalRelay) Publish(_ context.Context, docID string, payload []byte) error {
	r.mu.Lock()
	fns := make([]func([]byte), 0, len(r.subs[docID]))
	for _, fn := range r.subs[docID] {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(payload)
	}
	return nil
}

func (r *LocalRelay) Subscribe(_ context.Context, docID string, fn func([]byte)) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs[docID] == nil {
		r.subs[docID] = make(map[int]func([]byte))
	}
	id := r.next
	r.next++
	r.subs[docID][id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs[docID], id)
		if len(r.subs[docID]) == 0 {
			delete(r.subs, docID)
		}
	}, nil
}

// RedisRelay carries updates over Redis pub/sub.
type RedisRelay struct {
	client *redis.Client
}

func NewRedisRelay(client *redis.Client) *RedisRelay {
	return &RedisRelay{client: client}
}

func (r *RedisRelay) channel(docID string) string {
	return "doc-updates:" + docID
}

func (r *RedisRelay) Publish(ctx context.Context, docID string, payload []byte) error {
	if err := r.client.Publish(ctx, r.channel(docID), payload).Err(); err != nil {
		return fmt.Errorf("publish update: %w", err)
	}
	return nil
}

// Subscribe delivers every payload published to the document's channel. The
// receive loop resubscribes with capped jittered backoff if the connection
// drops, so a Redis restart does not permanently silence a room.
func (r *RedisRelay) Subscribe(ctx context.Context, docID string, fn func([]byte)) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)

	sub := r.client.Subscribe(subCtx, r.channel(docID))
	if _, err := sub.Receive(subCtx); err != nil {
		cancel()
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe updates: %w", err)
	}

	go func() {
		defer sub.Close()
		backoff := 250 * time.Millisecond
		for {
			msg, err := sub.ReceiveMessage(subCtx)
			if err != nil {
				if subCtx.Err() != nil {
					return
				}
				sleep := backoff + time.Duration(rand.Int63n(int64(backoff/2)))
				log.Printf("relay: receive failed for %s, retrying in %v: %v", docID, sleep, err)
				select {
				case <-time.After(sleep):
				case <-subCtx.Done():
					return
				}
				if backoff < 8*time.Second {
					backoff *= 2
				}
				continue
			}
			backoff = 250 * time.Millisecond
			fn([]byte(msg.Payload))
		}
	}()

	return cancel, nil
}

// envelope wraps a relayed update with its source hub so an instance can skip
// its own publications.
type envelope struct {
	Src    string `json:"src"`
	Update []byte `json:"update"`
}

func encodeEnvelope(src string, update []byte) ([]byte, error) {
	raw, err := json.Marshal(envelope{Src: src, Update: update})
	if err != nil {
		return nil, fmt.Errorf("marshal relay envelope: %w", err)
	}
	return raw, nil
}

func decodeEnvelope(raw []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, fmt.Errorf("unmarshal relay envelope: %w", err)
	}
	return env, nil
}
