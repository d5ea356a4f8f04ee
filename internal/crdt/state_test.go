package crdt

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

func TestLocalEditingBasics(t *testing.T) {
	s := NewState("alice")
	s.InsertBlockAt(0, "heading", 1)
	s.AppendText("Title")
	s.InsertBlockAt(s.Len(), "paragraph", 0)
	s.AppendText("Hello")

	if got := s.PlainText(); got != "Title\nHello" {
		t.Fatalf("PlainText() = %q, want %q", got, "Title\nHello")
	}

	s.DeleteRange(s.Len()-2, 2)
	if got := s.PlainText(); got != "Title\nHel" {
		t.Fatalf("after delete PlainText() = %q, want %q", got, "Title\nHel")
	}
}

func TestTwoPeersConverge(t *testing.T) {
	alice := NewState("alice")
	bob := NewState("bob")

	updates := []Update{
		alice.InsertBlockAt(0, "paragraph", 0),
		alice.AppendText("Hello"),
	}
	for _, update := range updates {
		if err := bob.ApplyUpdate(update); err != nil {
			t.Fatalf("bob apply: %v", err)
		}
	}

	aliceUpdate := alice.AppendText("!")
	bobUpdate := bob.AppendText("?")

	if err := bob.ApplyUpdate(aliceUpdate); err != nil {
		t.Fatalf("bob apply concurrent: %v", err)
	}
	if err := alice.ApplyUpdate(bobUpdate); err != nil {
		t.Fatalf("alice apply concurrent: %v", err)
	}

	if alice.PlainText() != bob.PlainText() {
		t.Fatalf("diverged: alice=%q bob=%q", alice.PlainText(), bob.PlainText())
	}
	if !bytes.Equal(alice.Serialize(), bob.Serialize()) {
		t.Fatal("converged replicas serialized differently")
	}
}

func TestOfflinePeerMergesAfterReconnect(t *testing.T) {
	alice := NewState("alice")
	alice.InsertBlockAt(0, "paragraph", 0)
	helloUpdate := alice.AppendText("Hello")
	_ = helloUpdate

	// Bob seeds from Alice's serialized state, as a late joiner would from a
	// snapshot, then edits offline.
	bob, err := Load(alice.Serialize(), "bob")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	offline := bob.AppendText(" World")

	// Reconnect: the buffered offline update reaches Alice.
	if err := alice.ApplyUpdate(offline); err != nil {
		t.Fatalf("alice apply offline update: %v", err)
	}

	if got := alice.PlainText(); got != "Hello World" {
		t.Fatalf("merged text = %q, want %q", got, "Hello World")
	}
	if alice.PlainText() != bob.PlainText() {
		t.Fatalf("diverged: alice=%q bob=%q", alice.PlainText(), bob.PlainText())
	}
}

func TestConvergenceUnderRandomDelivery(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 25; trial++ {
		editors := []*State{NewState("alice"), NewState("bob"), NewState("carol")}
		updates := make([]Update, 0)

		record := func(u Update) { updates = append(updates, u) }
		record(editors[0].InsertBlockAt(0, "paragraph", 0))
		record(editors[0].AppendText("base"))
		// Everyone sees the base before concurrent edits, mirroring peers who
		// joined an existing document.
		for _, editor := range editors[1:] {
			for _, update := range updates {
				if err := editor.ApplyUpdate(update); err != nil {
					t.Fatalf("seed apply: %v", err)
				}
			}
		}
		for round := 0; round < 5; round++ {
			for _, editor := range editors {
				switch rng.Intn(3) {
				case 0:
					record(editor.InsertTextAt(rng.Intn(editor.Len()+1), string(rune('a'+rng.Intn(26)))))
				case 1:
					if editor.Len() > 1 {
						record(editor.DeleteRange(rng.Intn(editor.Len()), 1))
					}
				case 2:
					record(editor.FormatRange(0, editor.Len(), []string{"bold"}))
				}
			}
		}

		// Deliver every update to fresh replicas in independent random
		// permutations, with some duplicated deliveries.
		replicas := []*State{NewState("r1"), NewState("r2")}
		for _, replica := range replicas {
			order := rng.Perm(len(updates))
			for _, idx := range order {
				if err := replica.ApplyUpdate(updates[idx]); err != nil {
					t.Fatalf("replica apply: %v", err)
				}
				if rng.Intn(4) == 0 {
					if err := replica.ApplyUpdate(updates[idx]); err != nil {
						t.Fatalf("replica duplicate apply: %v", err)
					}
				}
			}
			if replica.PendingOps() != 0 {
				t.Fatalf("trial %d: %d ops still pending after full delivery", trial, replica.PendingOps())
			}
		}

		first := replicas[0].Serialize()
		for _, replica := range replicas[1:] {
			if !bytes.Equal(first, replica.Serialize()) {
				t.Fatalf("trial %d: replicas diverged:\n%q\n%q", trial, replicas[0].PlainText(), replica.PlainText())
			}
		}
	}
}

func TestOutOfOrderDeliveryIsBuffered(t *testing.T) {
	alice := NewState("alice")
	first := alice.InsertBlockAt(0, "paragraph", 0)
	second := alice.AppendText("hi")

	bob := NewState("bob")
	if err := bob.ApplyUpdate(second); err != nil {
		t.Fatalf("apply out-of-order: %v", err)
	}
	if bob.PendingOps() == 0 {
		t.Fatal("expected buffered ops while origin is missing")
	}
	if err := bob.ApplyUpdate(first); err != nil {
		t.Fatalf("apply missing origin: %v", err)
	}
	if bob.PendingOps() != 0 {
		t.Fatalf("expected pending queue drained, still %d", bob.PendingOps())
	}
	if got := bob.PlainText(); got != "hi" {
		t.Fatalf("PlainText() = %q, want %q", got, "hi")
	}
}

func TestFormatLastWriterWins(t *testing.T) {
	alice := NewState("alice")
	bob := NewState("bob")
	seedBlock := alice.InsertBlockAt(0, "paragraph", 0)
	seedText := alice.AppendText("x")
	for _, update := range []Update{seedBlock, seedText} {
		if err := bob.ApplyUpdate(update); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	aliceFmt := alice.FormatRange(0, alice.Len(), []string{"bold"})
	bobFmt := bob.FormatRange(0, bob.Len(), []string{"italic"})

	if err := alice.ApplyUpdate(bobFmt); err != nil {
		t.Fatalf("alice apply: %v", err)
	}
	if err := bob.ApplyUpdate(aliceFmt); err != nil {
		t.Fatalf("bob apply: %v", err)
	}
	if !bytes.Equal(alice.Serialize(), bob.Serialize()) {
		t.Fatal("concurrent formats diverged")
	}
}

func TestSerializeLoadRoundtrip(t *testing.T) {
	s := NewState("alice")
	s.InsertBlockAt(0, "heading", 2)
	s.AppendText("Terms", "bold")
	s.InsertBlockAt(s.Len(), "paragraph", 0)
	s.AppendText("Payment due in 30 days.")
	s.DeleteRange(s.Len()-1, 1)

	loaded, err := Load(s.Serialize(), "bob")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.PlainText() != s.PlainText() {
		t.Fatalf("roundtrip text = %q, want %q", loaded.PlainText(), s.PlainText())
	}
	if !bytes.Equal(loaded.Serialize(), s.Serialize()) {
		t.Fatal("roundtrip serialization mismatch")
	}

	// The loaded replica keeps editing with a clock ahead of everything seen.
	update := loaded.AppendText("!")
	if err := s.ApplyUpdate(update); err != nil {
		t.Fatalf("apply post-load update: %v", err)
	}
	if s.PlainText() != loaded.PlainText() {
		t.Fatal("post-load edit diverged")
	}
}

func TestLoadRejectsCorruptPayloads(t *testing.T) {
	cases := map[string][]byte{
		"garbage":        []byte("not json"),
		"wrong version":  []byte(`{"v":99,"items":[]}`),
		"missing origin": []byte(`{"v":1,"items":[{"id":{"a":"x","s":2},"o":{"a":"ghost","s":1},"k":"text","x":"a","f":{"a":"x","s":2}}]}`),
	}
	for name, raw := range cases {
		if _, err := Load(raw, "alice"); !errors.Is(err, ErrCorruptState) {
			t.Errorf("%s: Load error = %v, want ErrCorruptState", name, err)
		}
	}
}

func TestApplyUpdateRejectsMalformedPayload(t *testing.T) {
	s := NewState("alice")
	if err := s.ApplyUpdate([]byte("{{")); !errors.Is(err, ErrCorruptState) {
		t.Fatalf("ApplyUpdate error = %v, want ErrCorruptState", err)
	}
}

func TestSetContentReplacesDocument(t *testing.T) {
	s := NewState("alice")
	seed := []Update{
		s.InsertBlockAt(0, "paragraph", 0),
		s.AppendText("old text"),
	}

	// A peer holds the old content before the replacement happens.
	peer := NewState("bob")
	for _, update := range seed {
		if err := peer.ApplyUpdate(update); err != nil {
			t.Fatalf("peer seed: %v", err)
		}
	}

	replacement := Node{Type: "doc", Content: []Node{
		{Type: "heading", Attrs: map[string]any{"level": 1}, Content: []Node{{Type: "text", Text: "Restored"}}},
		{Type: "paragraph", Content: []Node{{Type: "text", Text: "body"}}},
	}}
	update := s.SetContent(replacement)

	if got := s.PlainText(); got != "Restored\nbody" {
		t.Fatalf("PlainText() = %q, want %q", got, "Restored\nbody")
	}

	if err := peer.ApplyUpdate(update); err != nil {
		t.Fatalf("peer apply: %v", err)
	}
	if peer.PlainText() != s.PlainText() {
		t.Fatalf("peer text = %q, want %q", peer.PlainText(), s.PlainText())
	}
}
