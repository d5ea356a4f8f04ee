package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrCorruptState marks raw state or update payloads that cannot be decoded.
// Recovery reseeds from the last snapshot's structured content.
var ErrCorruptState = errors.New("crdt: corrupt state payload")

// item is one element of the replicated sequence: a single text rune or a
// block boundary. Items form a tree: an item's parent is the item it was
// inserted after, and document order is a depth-first walk with concurrent
// siblings ordered newest-first. Deleted items stay as tombstones.
type item struct {
	id      ID
	origin  ID
	kind    string
	text    string
	block   string
	level   int
	marks   []string
	deleted bool
	// fmtID is the ID of the last format writer; later IDs win.
	fmtID    ID
	children []*item
}

// State is a per-document replica. Applying the same set of updates in any
// order, any number of times, converges every replica to the same content.
// State is not safe for concurrent use; callers serialize access.
type State struct {
	actor   string
	clock   uint64
	root    *item
	byID    map[ID]*item
	applied map[ID]bool
	pending []Op
}

func NewState(actor string) *State {
	return &State{
		actor:   actor,
		root:    &item{},
		byID:    make(map[ID]*item),
		applied: make(map[ID]bool),
	}
}

func (s *State) Actor() string { return s.actor }

// PendingOps reports buffered remote operations whose dependencies have not
// arrived yet.
func (s *State) PendingOps() int { return len(s.pending) }

func (s *State) nextID() ID {
	s.clock++
	return ID{Actor: s.actor, Seq: s.clock}
}

func (s *State) observe(id ID) {
	if id.Seq > s.clock {
		s.clock = id.Seq
	}
}

// ApplyUpdate merges a remote update batch. Duplicate and out-of-order
// delivery is safe: seen operations are skipped and operations with unmet
// dependencies are buffered until the dependency arrives. It fails only for
// payloads that cannot be decoded.
func (s *State) ApplyUpdate(raw []byte) error {
	ops, err := decodeUpdate(raw)
	if err != nil {
		return err
	}
	for _, op := range ops {
		s.integrate(op)
	}
	s.drainPending()
	return nil
}

func (s *State) integrate(op Op) bool {
	if s.applied[op.ID] {
		return true
	}
	switch op.Type {
	case opInsert:
		parent := s.root
		if !op.Origin.IsZero() {
			parent = s.byID[op.Origin]
			if parent == nil {
				s.pending = append(s.pending, op)
				return false
			}
		}
		inserted := &item{
			id:     op.ID,
			origin: op.Origin,
			kind:   op.Kind,
			text:   op.Text,
			block:  op.Block,
			level:  op.Level,
			marks:  append([]string(nil), op.Marks...),
			fmtID:  op.ID,
		}
		attachChild(parent, inserted)
		s.byID[op.ID] = inserted
	case opDelete:
		target := s.byID[op.Target]
		if target == nil {
			s.pending = append(s.pending, op)
			return false
		}
		target.deleted = true
	case opFormat:
		target := s.byID[op.Target]
		if target == nil {
			s.pending = append(s.pending, op)
			return false
		}
		if op.ID.after(target.fmtID) {
			target.marks = append([]string(nil), op.Marks...)
			target.fmtID = op.ID
		}
	default:
		// Unknown op types from newer peers are ignored rather than fatal.
		return true
	}
	s.applied[op.ID] = true
	s.observe(op.ID)
	return true
}

// attachChild inserts child into parent.children keeping newest-first order,
// which makes sibling placement independent of arrival order.
func attachChild(parent *item, child *item) {
	pos := sort.Search(len(parent.children), func(i int) bool {
		return child.id.after(parent.children[i].id)
	})
	parent.children = append(parent.children, nil)
	copy(parent.children[pos+1:], parent.children[pos:])
	parent.children[pos] = child
}

func (s *State) drainPending() {
	for {
		if len(s.pending) == 0 {
			return
		}
		queued := s.pending
		s.pending = nil
		progressed := false
		for _, op := range queued {
			if s.integrate(op) {
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

// visible returns all live items in document order.
func (s *State) visible() []*item {
	items := make([]*item, 0, len(s.byID))
	var walk func(node *item)
	walk = func(node *item) {
		for _, child := range node.children {
			if !child.deleted {
				items = append(items, child)
			}
			walk(child)
		}
	}
	walk(s.root)
	return items
}

// Len returns the number of visible items (runes plus block boundaries).
func (s *State) Len() int { return len(s.visible()) }

func (s *State) applyLocal(ops []Op) Update {
	for _, op := range ops {
		s.integrate(op)
	}
	s.drainPending()
	return encodeUpdate(ops)
}

// InsertTextAt inserts text before visible position pos (0..Len), one
// operation per rune, and returns the update to broadcast.
func (s *State) InsertTextAt(pos int, text string, marks ...string) Update {
	items := s.visible()
	pos = clamp(pos, 0, len(items))
	origin := ID{}
	if pos > 0 {
		origin = items[pos-1].id
	}
	ops := make([]Op, 0, len(text))
	for _, r := range text {
		op := Op{
			Type:   opInsert,
			ID:     s.nextID(),
			Origin: origin,
			Kind:   kindText,
			Text:   string(r),
			Marks:  append([]string(nil), marks...),
		}
		ops = append(ops, op)
		origin = op.ID
	}
	return s.applyLocal(ops)
}

// InsertBlockAt inserts a block boundary (paragraph, heading, listItem,
// orderedItem) before visible position pos.
func (s *State) InsertBlockAt(pos int, blockType string, level int) Update {
	items := s.visible()
	pos = clamp(pos, 0, len(items))
	origin := ID{}
	if pos > 0 {
		origin = items[pos-1].id
	}
	op := Op{
		Type:   opInsert,
		ID:     s.nextID(),
		Origin: origin,
		Kind:   kindBlock,
		Block:  blockType,
		Level:  level,
	}
	return s.applyLocal([]Op{op})
}

// DeleteRange tombstones count visible items starting at pos.
func (s *State) DeleteRange(pos, count int) Update {
	items := s.visible()
	pos = clamp(pos, 0, len(items))
	end := clamp(pos+count, pos, len(items))
	ops := make([]Op, 0, end-pos)
	for _, target := range items[pos:end] {
		ops = append(ops, Op{Type: opDelete, ID: s.nextID(), Target: target.id})
	}
	return s.applyLocal(ops)
}

// FormatRange replaces the mark set on count visible text items starting at
// pos. Concurrent formats resolve last-writer-wins per item.
func (s *State) FormatRange(pos, count int, marks []string) Update {
	items := s.visible()
	pos = clamp(pos, 0, len(items))
	end := clamp(pos+count, pos, len(items))
	ops := make([]Op, 0, end-pos)
	for _, target := range items[pos:end] {
		if target.kind != kindText {
			continue
		}
		ops = append(ops, Op{
			Type:   opFormat,
			ID:     s.nextID(),
			Target: target.id,
			Marks:  append([]string(nil), marks...),
		})
	}
	return s.applyLocal(ops)
}

// AppendText inserts text at the end of the document.
func (s *State) AppendText(text string, marks ...string) Update {
	return s.InsertTextAt(s.Len(), text, marks...)
}

// SetContent replaces the whole document with the given structured tree as
// one local edit. History is untouched; the old items become tombstones.
func (s *State) SetContent(doc Node) Update {
	ops := make([]Op, 0)
	for _, target := range s.visible() {
		ops = append(ops, Op{Type: opDelete, ID: s.nextID(), Target: target.id})
	}
	origin := ID{}
	emitBlock := func(blockType string, level int, runs []textRun) {
		blockOp := Op{
			Type:   opInsert,
			ID:     s.nextID(),
			Origin: origin,
			Kind:   kindBlock,
			Block:  blockType,
			Level:  level,
		}
		ops = append(ops, blockOp)
		origin = blockOp.ID
		for _, run := range runs {
			for _, r := range run.text {
				op := Op{
					Type:   opInsert,
					ID:     s.nextID(),
					Origin: origin,
					Kind:   kindText,
					Text:   string(r),
					Marks:  append([]string(nil), run.marks...),
				}
				ops = append(ops, op)
				origin = op.ID
			}
		}
	}
	walkContentBlocks(doc, emitBlock)
	return s.applyLocal(ops)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// --- serialization ---

type wireItem struct {
	ID      ID       `json:"id"`
	Origin  ID       `json:"o"`
	Kind    string   `json:"k"`
	Text    string   `json:"x,omitempty"`
	Block   string   `json:"b,omitempty"`
	Level   int      `json:"l,omitempty"`
	Marks   []string `json:"m,omitempty"`
	Deleted bool     `json:"d,omitempty"`
	FmtID   ID       `json:"f"`
}

type wireState struct {
	V     int        `json:"v"`
	Clock uint64     `json:"c"`
	Items []wireItem `json:"items"`
}

// Serialize returns the full replica state, tombstones included, as opaque
// bytes. Late joiners load it instead of replaying update history.
func (s *State) Serialize() []byte {
	items := make([]wireItem, 0, len(s.byID))
	var walk func(node *item)
	walk = func(node *item) {
		for _, child := range node.children {
			items = append(items, wireItem{
				ID:      child.id,
				Origin:  child.origin,
				Kind:    child.kind,
				Text:    child.text,
				Block:   child.block,
				Level:   child.level,
				Marks:   child.marks,
				Deleted: child.deleted,
				FmtID:   child.fmtID,
			})
			walk(child)
		}
	}
	walk(s.root)
	raw, _ := json.Marshal(wireState{V: wireVersion, Clock: s.clock, Items: items})
	return raw
}

// Load rebuilds a replica from Serialize output. A blob that cannot be
// decoded, or whose items reference missing parents, fails with
// ErrCorruptState.
func Load(raw []byte, actor string) (*State, error) {
	var decoded wireState
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if decoded.V != wireVersion {
		return nil, fmt.Errorf("%w: unsupported state version %d", ErrCorruptState, decoded.V)
	}
	s := NewState(actor)
	for _, entry := range decoded.Items {
		if entry.ID.IsZero() {
			return nil, fmt.Errorf("%w: item without id", ErrCorruptState)
		}
		parent := s.root
		if !entry.Origin.IsZero() {
			parent = s.byID[entry.Origin]
			if parent == nil {
				return nil, fmt.Errorf("%w: item %s/%d references missing origin", ErrCorruptState, entry.ID.Actor, entry.ID.Seq)
			}
		}
		restored := &item{
			id:      entry.ID,
			origin:  entry.Origin,
			kind:    entry.Kind,
			text:    entry.Text,
			block:   entry.Block,
			level:   entry.Level,
			marks:   entry.Marks,
			deleted: entry.Deleted,
			fmtID:   entry.FmtID,
		}
		attachChild(parent, restored)
		s.byID[entry.ID] = restored
		s.applied[entry.ID] = true
		s.observe(entry.ID)
		s.observe(entry.FmtID)
	}
	if decoded.Clock > s.clock {
		s.clock = decoded.Clock
	}
	return s, nil
}
