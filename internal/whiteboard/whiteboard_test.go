package whiteboard

import (
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/1ureka/huddle/internal/protocol"
	"github.com/1ureka/huddle/internal/room"
)

const testDelay = 10 * time.Millisecond

func ids(els []Element) []string {
	out := make([]string, len(els))
	for i, e := range els {
		out[i] = e.ID
	}
	return out
}

func stroke(id string) Element {
	e := NewStroke([]Point{{1, 2}, {3, 4}}, "#ff0000", 2, 1)
	e.ID = id
	return e
}

func newSync(t *testing.T, hub *room.Hub, id string, policy ReconcilePolicy) (*Sync, *room.Endpoint) {
	t.Helper()
	ep := hub.Join(id)
	s := NewSync(ep, NewBoard(), Options{SyncDelay: testDelay, Policy: policy})
	t.Cleanup(func() {
		s.Stop()
		ep.Leave()
	})
	return s, ep
}

func inject(t *testing.T, ep *room.Endpoint, sender string, env envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	ep.Inject(room.Message{Topic: protocol.TopicWhiteboard, Sender: sender, Payload: data})
}

// settle lets the initial sync requests go out and be answered.
func settle(hub *room.Hub) {
	time.Sleep(3 * testDelay)
	hub.Flush(time.Second)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBoardUniqueIDs(t *testing.T) {
	b := NewBoard()
	b.Add(stroke("a"))
	b.Add(stroke("b"))
	dup := stroke("a")
	dup.Color = "#00ff00"
	b.Add(dup)

	if got := ids(b.Elements()); !slices.Equal(got, []string{"a", "b"}) {
		t.Fatalf("ids = %v", got)
	}
	if e, _ := b.Get("a"); e.Color != "#00ff00" {
		t.Fatalf("duplicate add should replace in place, color = %s", e.Color)
	}

	if !b.Remove("a") || b.Remove("a") {
		t.Fatal("Remove should report existence")
	}
	if b.Replace(stroke("missing")) {
		t.Fatal("Replace of a missing id should fail")
	}

	b.Reset([]Element{stroke("x"), stroke("y"), stroke("x")})
	if b.Len() != 2 {
		t.Fatalf("Reset kept duplicates: %v", ids(b.Elements()))
	}
	b.Clear()
	if b.Len() != 0 {
		t.Fatal("Clear left elements")
	}
}

func TestElementJSON(t *testing.T) {
	e := NewShape(ToolArrow, Point{0, 0}, Point{10, 5}, "#000", 3)
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	json.Unmarshal(data, &m)
	if m["type"] != "shape" || m["tool"] != "arrow" || m["id"] != e.ID {
		t.Fatalf("unexpected encoding %s", data)
	}
	if _, ok := m["points"]; ok {
		t.Fatalf("stroke fields leaked into shape: %s", data)
	}
}

func TestValidator(t *testing.T) {
	v := NewValidator()

	if _, err := v.ValidateAndSanitize(stroke("ok")); err != nil {
		t.Fatalf("valid stroke rejected: %v", err)
	}

	bad := []Element{
		{ID: "x", Type: "blob"},
		{ID: "", Type: KindStroke, Points: []Point{{1, 1}}},
		{ID: "x", Type: KindStroke},
		{ID: "x", Type: KindStroke, Points: []Point{{1, 1}}, Opacity: 2},
		{ID: "x", Type: KindShape, Tool: "hexagon", Start: &Point{}, End: &Point{}},
		{ID: "x", Type: KindShape, Tool: ToolLine},
		{ID: "x", Type: KindSticky, Position: &Point{}},
		{ID: "x", Type: KindSticky, Position: &Point{}, Size: &Size{1, 1}, Text: strings.Repeat("a", MaxStickyText+1)},
	}
	for i, e := range bad {
		if _, err := v.ValidateAndSanitize(e); !errors.Is(err, ErrInvalidElement) {
			t.Errorf("case %d: expected ErrInvalidElement, got %v", i, err)
		}
	}

	sticky := NewSticky(Point{1, 1}, Size{100, 80}, "#ffeb3b", `hi <script>alert(1)</script>there`)
	clean, err := v.ValidateAndSanitize(sticky)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(clean.Text, "<script>") {
		t.Fatalf("markup survived: %q", clean.Text)
	}
}

func TestLateJoinerReceivesBoard(t *testing.T) {
	hub := room.NewHub(room.HubOptions{})
	a, _ := newSync(t, hub, "a", ReconcileLogicalClock)
	a.Start()
	if _, err := a.AddElement(stroke("a1")); err != nil {
		t.Fatal(err)
	}

	b, _ := newSync(t, hub, "b", ReconcileLogicalClock)
	b.Start()

	waitFor(t, "b to receive a1", func() bool { return b.Board().Len() == 1 })
	hub.Flush(time.Second)
	if got := ids(b.Board().Elements()); !slices.Equal(got, []string{"a1"}) {
		t.Fatalf("b board = %v", got)
	}
}

func TestEmptyBoardDoesNotAnswer(t *testing.T) {
	hub := room.NewHub(room.HubOptions{})
	a, _ := newSync(t, hub, "a", ReconcileLogicalClock)
	a.Start()

	watcher := hub.Join("w")
	defer watcher.Leave()
	var responses int
	watcher.Subscribe(protocol.TopicWhiteboard, func(m room.Message) {
		if strings.Contains(string(m.Payload), TypeSyncResponse) {
			responses++
		}
	})

	data, _ := json.Marshal(envelope{Type: TypeSyncRequest})
	watcher.Publish(protocol.TopicWhiteboard, data, room.Reliable)
	hub.Flush(time.Second)

	if responses != 0 {
		t.Fatalf("empty board answered %d times", responses)
	}
}

func TestMutationsMirror(t *testing.T) {
	hub := room.NewHub(room.HubOptions{})
	a, _ := newSync(t, hub, "a", ReconcileLogicalClock)
	b, _ := newSync(t, hub, "b", ReconcileLogicalClock)
	a.Start()
	b.Start()
	settle(hub)

	a.AddElement(stroke("s1"))
	a.AddElement(stroke("s2"))
	b.AddElement(stroke("s3"))
	hub.Flush(time.Second)
	a.RemoveElement("s2")
	hub.Flush(time.Second)

	want := []string{"s1", "s3"}
	if got := ids(a.Board().Elements()); !slices.Equal(got, want) {
		t.Fatalf("a = %v", got)
	}
	if got := ids(b.Board().Elements()); !slices.Equal(got, want) {
		t.Fatalf("b = %v", got)
	}

	// Sticky replacement.
	note, err := a.AddElement(NewSticky(Point{0, 0}, Size{50, 50}, "#fff", "draft"))
	if err != nil {
		t.Fatal(err)
	}
	hub.Flush(time.Second)
	note.Text = "final"
	if _, err := a.UpdateSticky(note); err != nil {
		t.Fatal(err)
	}
	hub.Flush(time.Second)
	if got, _ := b.Board().Get(note.ID); got.Text != "final" {
		t.Fatalf("b sticky text = %q", got.Text)
	}
	if _, err := a.UpdateSticky(stroke("s1")); !errors.Is(err, ErrNotSticky) {
		t.Fatalf("expected ErrNotSticky, got %v", err)
	}
	if _, err := a.UpdateSticky(NewSticky(Point{}, Size{}, "", "")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIdenticalSequencesConverge(t *testing.T) {
	ops := func(s *Sync) {
		s.AddElement(stroke("1"))
		s.AddElement(stroke("2"))
		s.RemoveElement("1")
		s.ClearBoard()
		s.AddElement(stroke("3"))
		s.AddElement(stroke("4"))
		s.RemoveElement("3")
	}

	hub := room.NewHub(room.HubOptions{})
	a, _ := newSync(t, hub, "a", ReconcileLogicalClock)
	b, _ := newSync(t, hub, "b", ReconcileLogicalClock)
	// Not started: both apply the same sequence locally.
	ops(a)
	ops(b)

	if !slices.Equal(ids(a.Board().Elements()), ids(b.Board().Elements())) {
		t.Fatalf("diverged: %v vs %v", ids(a.Board().Elements()), ids(b.Board().Elements()))
	}
}

func TestConcurrentClear(t *testing.T) {
	hub := room.NewHub(room.HubOptions{Latency: 5 * time.Millisecond})
	a, _ := newSync(t, hub, "a", ReconcileLogicalClock)
	b, _ := newSync(t, hub, "b", ReconcileLogicalClock)
	a.Start()
	b.Start()
	settle(hub)
	a.AddElement(stroke("x"))
	hub.Flush(time.Second)

	a.ClearBoard()
	b.ClearBoard()
	hub.Flush(time.Second)

	if a.Board().Len() != 0 || b.Board().Len() != 0 {
		t.Fatalf("boards not empty: %v %v", ids(a.Board().Elements()), ids(b.Board().Elements()))
	}
}

func TestStaleSnapshot(t *testing.T) {
	cases := []struct {
		policy ReconcilePolicy
		want   []string
	}{
		// Newer local edits survive a snapshot that predates them, and the
		// snapshot's elements are still merged in.
		{ReconcileLogicalClock, []string{"b1", "b2", "old"}},
		// Last response wins and discards the local edits.
		{ReconcileLastResponse, []string{"old"}},
	}

	for _, tc := range cases {
		t.Run(tc.policy.String(), func(t *testing.T) {
			hub := room.NewHub(room.HubOptions{})
			b, ep := newSync(t, hub, "b", tc.policy)
			b.Start()
			b.AddElement(stroke("b1"))
			b.AddElement(stroke("b2"))

			inject(t, ep, "a", envelope{Type: TypeSyncResponse, Strokes: []Element{stroke("old")}, Clock: 1})
			hub.Flush(time.Second)

			if got := ids(b.Board().Elements()); !slices.Equal(got, tc.want) {
				t.Fatalf("board = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestFreshSnapshotAccepted(t *testing.T) {
	hub := room.NewHub(room.HubOptions{})
	b, ep := newSync(t, hub, "b", ReconcileLogicalClock)
	b.Start()
	b.AddElement(stroke("b1"))

	inject(t, ep, "a", envelope{Type: TypeSyncResponse, Strokes: []Element{stroke("b1"), stroke("a1")}, Clock: 5})
	hub.Flush(time.Second)

	if got := ids(b.Board().Elements()); !slices.Equal(got, []string{"b1", "a1"}) {
		t.Fatalf("board = %v", got)
	}
	if b.Clock() != 5 {
		t.Fatalf("clock = %d, want 5", b.Clock())
	}
}

func TestMalformedAndInvalidDropped(t *testing.T) {
	hub := room.NewHub(room.HubOptions{})
	b, ep := newSync(t, hub, "b", ReconcileLogicalClock)
	b.Start()

	var changes []Change
	b.OnChange(func(c Change) { changes = append(changes, c) })

	ep.Inject(room.Message{Topic: protocol.TopicWhiteboard, Sender: "a", Payload: []byte("{nope")})
	inject(t, ep, "a", envelope{Type: "teleport"})
	inject(t, ep, "a", envelope{Type: TypeStroke})
	inject(t, ep, "a", envelope{Type: TypeStroke, Data: &Element{ID: "bad", Type: KindStroke}})
	inject(t, ep, "a", envelope{Type: TypeRemove})
	good := stroke("good")
	inject(t, ep, "a", envelope{Type: TypeStroke, Data: &good, Clock: 1})
	// Own messages are ignored.
	inject(t, ep, "b", envelope{Type: TypeClear, Clock: 9})
	hub.Flush(time.Second)

	if got := ids(b.Board().Elements()); !slices.Equal(got, []string{"good"}) {
		t.Fatalf("board = %v", got)
	}
	if len(changes) != 1 || changes[0].Origin != OriginRemoteApplied {
		t.Fatalf("changes = %+v", changes)
	}
}

func TestStopCancelsSyncRequest(t *testing.T) {
	hub := room.NewHub(room.HubOptions{})
	a, _ := newSync(t, hub, "a", ReconcileLogicalClock)
	watcher := hub.Join("w")
	defer watcher.Leave()

	var got int
	watcher.Subscribe(protocol.TopicWhiteboard, func(room.Message) { got++ })

	a.Start()
	a.Stop()
	time.Sleep(3 * testDelay)
	a.AddElement(stroke("offline"))
	hub.Flush(time.Second)

	if got != 0 {
		t.Fatalf("stopped sync published %d messages", got)
	}
	if a.Board().Len() != 1 {
		t.Fatal("local edits still apply while stopped")
	}
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]ReconcilePolicy{
		"":              ReconcileLogicalClock,
		"logical-clock": ReconcileLogicalClock,
		"last-response": ReconcileLastResponse,
	} {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Errorf("ParsePolicy(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParsePolicy("vector"); err == nil {
		t.Error("expected error")
	}
}

func TestBoardMerge(t *testing.T) {
	b := NewBoard()
	b.Add(stroke("a"))
	local, _ := b.Get("a")

	incoming := stroke("a")
	incoming.Color = "#00ff00"
	skipGone := func(id string) bool { return id == "gone" }

	if n := b.Merge([]Element{incoming, stroke("gone"), stroke("c")}, false, skipGone); n != 1 {
		t.Fatalf("merged %d, want 1", n)
	}
	if got := ids(b.Elements()); !slices.Equal(got, []string{"a", "c"}) {
		t.Fatalf("ids = %v", got)
	}
	if e, _ := b.Get("a"); e.Color != local.Color {
		t.Fatal("local version replaced without overwrite")
	}

	b.Merge([]Element{incoming}, true, nil)
	if e, _ := b.Get("a"); e.Color != "#00ff00" {
		t.Fatal("overwrite did not replace")
	}
}

func TestSnapshotDoesNotResurrectRemoved(t *testing.T) {
	hub := room.NewHub(room.HubOptions{})
	b, ep := newSync(t, hub, "b", ReconcileLogicalClock)
	b.Start()
	b.AddElement(stroke("x"))
	b.AddElement(stroke("y"))
	b.RemoveElement("x")
	b.AddElement(stroke("z"))
	b.ClearBoard()

	inject(t, ep, "a", envelope{Type: TypeSyncResponse, Strokes: []Element{stroke("x"), stroke("z"), stroke("w")}, Clock: 9})
	inject(t, ep, "a", envelope{Type: TypeRemove, ID: "w", Clock: 10})
	inject(t, ep, "c", envelope{Type: TypeSyncResponse, Strokes: []Element{stroke("w"), stroke("v")}, Clock: 3})
	hub.Flush(time.Second)

	if got := ids(b.Board().Elements()); !slices.Equal(got, []string{"v"}) {
		t.Fatalf("board = %v, want [v]", got)
	}
}

// TestJoinerEditsBeforeSnapshot has the joiner draw while its sync request
// is still in flight, so its clock runs ahead of the answer it gets.
func TestJoinerEditsBeforeSnapshot(t *testing.T) {
	cases := []struct {
		policy   ReconcilePolicy
		converge bool
	}{
		{ReconcileLogicalClock, true},
		// Every answer replaces the board, so edits made during the
		// handshake are lost on one side.
		{ReconcileLastResponse, false},
	}

	for _, tc := range cases {
		t.Run(tc.policy.String(), func(t *testing.T) {
			hub := room.NewHub(room.HubOptions{Latency: 40 * time.Millisecond})
			a, _ := newSync(t, hub, "a", tc.policy)
			a.Start()
			if _, err := a.AddElement(stroke("a1")); err != nil {
				t.Fatal(err)
			}

			b, _ := newSync(t, hub, "b", tc.policy)
			b.Start()
			time.Sleep(2 * testDelay)
			b.AddElement(stroke("b1"))
			b.AddElement(stroke("b2"))

			time.Sleep(200 * time.Millisecond)
			hub.Flush(2 * time.Second)

			want := []string{"a1", "b1", "b2"}
			gotA := slices.Sorted(slices.Values(ids(a.Board().Elements())))
			gotB := slices.Sorted(slices.Values(ids(b.Board().Elements())))
			full := slices.Equal(gotA, want) && slices.Equal(gotB, want)
			if tc.converge && !full {
				t.Fatalf("boards diverged: a=%v b=%v (clocks %d, %d)", gotA, gotB, a.Clock(), b.Clock())
			}
			if !tc.converge && full {
				t.Fatalf("expected an edit to be lost, got a=%v b=%v", gotA, gotB)
			}
		})
	}
}

// TestOwnerEditsDuringHandshake checks that an existing participant keeps
// its elements when the joiner's answer to its own sync request arrives.
func TestOwnerEditsDuringHandshake(t *testing.T) {
	hub := room.NewHub(room.HubOptions{Latency: 15 * time.Millisecond})
	b, _ := newSync(t, hub, "b", ReconcileLogicalClock)
	b.AddElement(stroke("b1"))
	b.AddElement(stroke("b2"))

	a, _ := newSync(t, hub, "a", ReconcileLogicalClock)
	a.Start()
	b.Start()
	a.AddElement(stroke("a1"))

	time.Sleep(100 * time.Millisecond)
	hub.Flush(2 * time.Second)

	if got := slices.Sorted(slices.Values(ids(a.Board().Elements()))); !slices.Equal(got, []string{"a1", "b1", "b2"}) {
		t.Fatalf("a = %v", got)
	}
	if got := slices.Sorted(slices.Values(ids(b.Board().Elements()))); !slices.Equal(got, []string{"a1", "b1", "b2"}) {
		t.Fatalf("b = %v", got)
	}
}
