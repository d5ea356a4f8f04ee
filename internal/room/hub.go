// Package room hosts the live editing sessions for open documents. A room
// holds the server replica of one document's state; sessions attach to it,
// exchange updates, and the room persists a version when the autosave timer
// fires or the last participant leaves.
package room

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"redline/api/internal/crdt"
	"redline/api/internal/util"
)

// LoadFunc fetches the persisted replica for a document. It returns nil raw
// state (and no error) when the document has never been saved.
type LoadFunc func(ctx context.Context, docID string) ([]byte, error)

// SaveFunc persists the current replica. The hub calls it from the autosave
// loop and on room close, only when edits happened since the last save.
type SaveFunc func(ctx context.Context, docID string, state *crdt.State) error

type Hub struct {
	id      string
	roomKey []byte
	relay   Relay
	load    LoadFunc
	save    SaveFunc

	autosaveEvery time.Duration

	mu    sync.Mutex
	rooms map[string]*Room

	watchMu   sync.Mutex
	watchers  map[string]map[int]chan PeerEvent
	nextWatch int
}

// PeerEvent reports a participant joining or leaving a document room.
type PeerEvent struct {
	DocID  string `json:"docId"`
	UserID string `json:"userId"`
	Kind   string `json:"kind"` // joined or left
	Peers  int    `json:"peers"`
}

func NewHub(roomKey []byte, relay Relay, load LoadFunc, save SaveFunc, autosaveEvery time.Duration) *Hub {
	if autosaveEvery <= 0 {
		autosaveEvery = 30 * time.Second
	}
	return &Hub{
		id:            util.NewID("hub_"),
		roomKey:       roomKey,
		relay:         relay,
		load:          load,
		save:          save,
		autosaveEvery: autosaveEvery,
		rooms:         make(map[string]*Room),
		watchers:      make(map[string]map[int]chan PeerEvent),
	}
}

// JoinSecret exposes the per-document secret for the API layer to hand out.
func (h *Hub) JoinSecret(docID string) (string, error) {
	return JoinSecret(h.roomKey, docID)
}

// Start runs the autosave loop until ctx is done.
func (h *Hub) Start(ctx context.Context) {
	ticker := time.NewTicker(h.autosaveEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.flushAll(context.Background())
			return
		case <-ticker.C:
			h.flushAll(ctx)
		}
	}
}

func (h *Hub) flushAll(ctx context.Context) {
	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()
	for _, r := range rooms {
		if err := r.flush(ctx); err != nil {
			log.Printf("room: autosave %s: %v", r.docID, err)
		}
	}
}

// Join validates the secret, opens the room if needed and attaches a session.
func (h *Hub) Join(ctx context.Context, docID, secret, userID string) (*Session, error) {
	if err := VerifySecret(h.roomKey, docID, secret); err != nil {
		return nil, err
	}

	for {
		h.mu.Lock()
		r, ok := h.rooms[docID]
		h.mu.Unlock()
		if !ok {
			opened, err := h.openRoom(ctx, docID)
			if err != nil {
				return nil, err
			}
			r = opened
		}
		if s := r.attach(userID); s != nil {
			return s, nil
		}
		// The last leaver closed this room between the lookup and the
		// attach. Look it up again; opening will resume the flushed state.
	}
}

// openRoom seeds the replica from the latest saved state and wires the relay.
// Double-checked under the lock so two concurrent joiners share one room.
func (h *Hub) openRoom(ctx context.Context, docID string) (*Room, error) {
	raw, err := h.load(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("load document state: %w", err)
	}

	var state *crdt.State
	if len(raw) == 0 {
		state = crdt.NewState("server:" + docID)
	} else {
		state, err = crdt.Load(raw, "server:"+docID)
		if err != nil {
			return nil, fmt.Errorf("resume document state: %w", err)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.rooms[docID]; ok {
		return existing, nil
	}

	r := &Room{
		hub:      h,
		docID:    docID,
		state:    state,
		sessions: make(map[*Session]struct{}),
	}

	cancel, err := h.relay.Subscribe(context.Background(), docID, r.receiveRelayed)
	if err != nil {
		return nil, fmt.Errorf("subscribe room relay: %w", err)
	}
	r.relayCancel = cancel

	h.rooms[docID] = r
	return r, nil
}

func (h *Hub) closeRoom(ctx context.Context, r *Room) {
	h.mu.Lock()
	if h.rooms[r.docID] != r {
		h.mu.Unlock()
		return
	}
	r.mu.Lock()
	if len(r.sessions) > 0 {
		// A joiner attached after the last leaver; the room stays open.
		r.mu.Unlock()
		h.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	delete(h.rooms, r.docID)
	h.mu.Unlock()

	if r.relayCancel != nil {
		r.relayCancel()
	}
	if err := r.flush(ctx); err != nil {
		log.Printf("room: final save %s: %v", r.docID, err)
	}
}

// Materialize returns a private copy of the document's current state, reading
// the live room when one is open and falling back to the saved replica.
func (h *Hub) Materialize(ctx context.Context, docID string) (*crdt.State, error) {
	h.mu.Lock()
	r, ok := h.rooms[docID]
	h.mu.Unlock()

	var raw []byte
	if ok {
		raw = r.serialize()
	} else {
		saved, err := h.load(ctx, docID)
		if err != nil {
			return nil, fmt.Errorf("load document state: %w", err)
		}
		raw = saved
	}
	if len(raw) == 0 {
		return crdt.NewState("reader:" + docID), nil
	}
	state, err := crdt.Load(raw, "reader:"+docID)
	if err != nil {
		return nil, fmt.Errorf("materialize document state: %w", err)
	}
	return state, nil
}

// SeedContent replaces the document's content outside a live session, used
// when a historical version is restored. Open rooms pick up the change as a
// regular update; otherwise the new state is saved directly.
func (h *Hub) SeedContent(ctx context.Context, docID string, doc crdt.Node) (*crdt.State, error) {
	h.mu.Lock()
	r, ok := h.rooms[docID]
	h.mu.Unlock()

	if ok {
		return r.setContent(ctx, doc)
	}

	state, err := h.Materialize(ctx, docID)
	if err != nil {
		return nil, err
	}
	state.SetContent(doc)
	if err := h.save(ctx, docID, state); err != nil {
		return nil, fmt.Errorf("save seeded state: %w", err)
	}
	return state, nil
}

// Open reports whether a live room exists for the document.
func (h *Hub) Open(docID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.rooms[docID]
	return ok
}

// Peers counts the sessions attached to the document's room on this
// instance.
func (h *Hub) Peers(docID string) int {
	h.mu.Lock()
	r, ok := h.rooms[docID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// WatchPeers streams join/leave events for one document until cancelled.
func (h *Hub) WatchPeers(docID string) (<-chan PeerEvent, func()) {
	events := make(chan PeerEvent, 16)

	h.watchMu.Lock()
	h.nextWatch++
	id := h.nextWatch
	if h.watchers[docID] == nil {
		h.watchers[docID] = make(map[int]chan PeerEvent)
	}
	h.watchers[docID][id] = events
	h.watchMu.Unlock()

	cancel := func() {
		h.watchMu.Lock()
		defer h.watchMu.Unlock()
		if ch, ok := h.watchers[docID][id]; ok {
			delete(h.watchers[docID], id)
			if len(h.watchers[docID]) == 0 {
				delete(h.watchers, docID)
			}
			close(ch)
		}
	}
	return events, cancel
}

// notifyPeers drops events for slow watchers rather than blocking a join.
func (h *Hub) notifyPeers(event PeerEvent) {
	h.watchMu.Lock()
	defer h.watchMu.Unlock()
	for _, ch := range h.watchers[event.DocID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Room is the server-side replica of one open document.
type Room struct {
	hub   *Hub
	docID string

	mu          sync.Mutex
	state       *crdt.State
	sessions    map[*Session]struct{}
	dirty       bool
	closed      bool
	relayCancel func()
}

// attach adds a session, or returns nil when the room has already been
// closed and the caller must reopen it.
func (r *Room) attach(userID string) *Session {
	s := &Session{
		room:    r,
		userID:  userID,
		updates: make(chan []byte, 64),
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.sessions[s] = struct{}{}
	peers := len(r.sessions)
	r.mu.Unlock()
	r.hub.notifyPeers(PeerEvent{DocID: r.docID, UserID: userID, Kind: "joined", Peers: peers})
	return s
}

func (r *Room) serialize() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Serialize()
}

// apply merges an update into the replica, fans it out to the other local
// sessions and, when it came from a local client, publishes it to the relay.
func (r *Room) apply(ctx context.Context, from *Session, update []byte, publish bool) error {
	r.mu.Lock()
	if err := r.state.ApplyUpdate(update); err != nil {
		r.mu.Unlock()
		return err
	}
	r.dirty = true
	peers := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		if s != from {
			peers = append(peers, s)
		}
	}
	r.mu.Unlock()

	for _, s := range peers {
		s.deliver(update)
	}

	if publish {
		payload, err := encodeEnvelope(r.hub.id, update)
		if err != nil {
			return err
		}
		if err := r.hub.relay.Publish(ctx, r.docID, payload); err != nil {
			// Local sessions already converged; cross-instance peers catch
			// up from the next save.
			log.Printf("room: relay publish %s: %v", r.docID, err)
		}
	}
	return nil
}

func (r *Room) receiveRelayed(payload []byte) {
	env, err := decodeEnvelope(payload)
	if err != nil {
		log.Printf("room: drop malformed relay payload for %s: %v", r.docID, err)
		return
	}
	if env.Src == r.hub.id {
		return
	}
	if err := r.apply(context.Background(), nil, env.Update, false); err != nil {
		log.Printf("room: drop relayed update for %s: %v", r.docID, err)
	}
}

func (r *Room) setContent(ctx context.Context, doc crdt.Node) (*crdt.State, error) {
	r.mu.Lock()
	update := r.state.SetContent(doc)
	r.dirty = true
	raw := r.state.Serialize()
	peers := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		peers = append(peers, s)
	}
	r.mu.Unlock()

	for _, s := range peers {
		s.deliver(update)
	}
	if payload, err := encodeEnvelope(r.hub.id, update); err == nil {
		if err := r.hub.relay.Publish(ctx, r.docID, payload); err != nil {
			log.Printf("room: relay publish %s: %v", r.docID, err)
		}
	}

	state, err := crdt.Load(raw, "reader:"+r.docID)
	if err != nil {
		return nil, fmt.Errorf("materialize document state: %w", err)
	}
	return state, nil
}

// flush saves the replica if it changed since the last save.
func (r *Room) flush(ctx context.Context) error {
	r.mu.Lock()
	if !r.dirty {
		r.mu.Unlock()
		return nil
	}
	raw := r.state.Serialize()
	r.dirty = false
	r.mu.Unlock()

	state, err := crdt.Load(raw, "saver:"+r.docID)
	if err != nil {
		return fmt.Errorf("materialize for save: %w", err)
	}
	if err := r.hub.save(ctx, r.docID, state); err != nil {
		r.mu.Lock()
		r.dirty = true
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *Room) detach(ctx context.Context, s *Session) {
	r.mu.Lock()
	delete(r.sessions, s)
	peers := len(r.sessions)
	r.mu.Unlock()
	r.hub.notifyPeers(PeerEvent{DocID: r.docID, UserID: s.userID, Kind: "left", Peers: peers})
	if peers == 0 {
		r.hub.closeRoom(ctx, r)
	}
}

// Session is one participant's attachment to a room.
type Session struct {
	room    *Room
	userID  string
	updates chan []byte
	once    sync.Once

	mu     sync.Mutex
	closed bool
}

// Apply merges a client-submitted update into the document.
func (s *Session) Apply(ctx context.Context, update []byte) error {
	return s.room.apply(ctx, s, update, true)
}

// Updates streams updates produced by other participants. The channel closes
// when the session leaves.
func (s *Session) Updates() <-chan []byte {
	return s.updates
}

// deliver drops the update if the client is not draining its channel; the
// client resyncs from full state on reconnect.
func (s *Session) deliver(update []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.updates <- update:
	default:
	}
}

// Leave detaches from the room. Safe to call more than once.
func (s *Session) Leave(ctx context.Context) {
	s.once.Do(func() {
		s.room.detach(ctx, s)
		s.mu.Lock()
		s.closed = true
		close(s.updates)
		s.mu.Unlock()
	})
}
