package crdt

import (
	"encoding/json"
	"fmt"
)

const wireVersion = 1

// ID identifies one operation (and the item it created) across all peers.
// Seq is a Lamport clock; Actor breaks ties.
type ID struct {
	Actor string `json:"a"`
	Seq   uint64 `json:"s"`
}

func (id ID) IsZero() bool {
	return id.Actor == "" && id.Seq == 0
}

// after reports whether id orders after other in the total (Seq, Actor) order.
func (id ID) after(other ID) bool {
	if id.Seq != other.Seq {
		return id.Seq > other.Seq
	}
	return id.Actor > other.Actor
}

type opType string

const (
	opInsert opType = "ins"
	opDelete opType = "del"
	opFormat opType = "fmt"
)

const (
	kindText  = "text"
	kindBlock = "block"
)

// Op is one replicated operation. Inserts carry their payload; deletes and
// formats reference the target item by ID.
type Op struct {
	Type   opType   `json:"t"`
	ID     ID       `json:"id"`
	Origin ID       `json:"o"`
	Target ID       `json:"g"`
	Kind   string   `json:"k,omitempty"`
	Text   string   `json:"x,omitempty"`
	Block  string   `json:"b,omitempty"`
	Level  int      `json:"l,omitempty"`
	Marks  []string `json:"m,omitempty"`
}

type wireUpdate struct {
	V   int  `json:"v"`
	Ops []Op `json:"ops"`
}

// Update is an opaque, broadcastable batch of operations.
type Update []byte

func encodeUpdate(ops []Op) Update {
	raw, _ := json.Marshal(wireUpdate{V: wireVersion, Ops: ops})
	return Update(raw)
}

func decodeUpdate(raw []byte) ([]Op, error) {
	var decoded wireUpdate
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if decoded.V != wireVersion {
		return nil, fmt.Errorf("%w: unsupported update version %d", ErrCorruptState, decoded.V)
	}
	return decoded.Ops, nil
}
