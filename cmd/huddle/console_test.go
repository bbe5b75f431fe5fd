package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/1ureka/huddle/internal/room"
	"github.com/1ureka/huddle/internal/session"
)

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

func newTestConsole(t *testing.T, hub *room.Hub, id, name string) (*console, *bytes.Buffer) {
	t.Helper()
	ep := hub.Join(id)
	s, err := session.New(ep, session.Options{
		Name:           name,
		DocSyncDelay:   10 * time.Millisecond,
		BoardSyncDelay: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	t.Cleanup(func() {
		s.Close()
		ep.Leave()
	})
	var out bytes.Buffer
	return newConsole(s, &out), &out
}

func run(t *testing.T, c *console, line string) {
	t.Helper()
	if _, err := c.Execute(line); err != nil {
		t.Fatalf("%q: %v", line, err)
	}
}

func TestConsoleDocumentCommands(t *testing.T) {
	hub := room.NewHub(room.HubOptions{})
	c, out := newTestConsole(t, hub, "a", "Ana")

	run(t, c, "type hello world")
	run(t, c, "insert 0 >>")
	run(t, c, "del 7 6")

	out.Reset()
	run(t, c, "text")
	if got := strings.TrimSpace(out.String()); got != ">>hello" {
		t.Fatalf("text = %q", got)
	}
}

func TestConsoleBoardCommands(t *testing.T) {
	hub := room.NewHub(room.HubOptions{})
	c, out := newTestConsole(t, hub, "a", "Ana")
	other, _ := newTestConsole(t, hub, "b", "Bo")

	run(t, c, "stroke 0,0 10,10 #ff0000")
	run(t, c, "shape ellipse 0,0 5,5")
	out.Reset()
	run(t, c, "note 1,2 buy milk")
	id := strings.TrimSpace(out.String())

	run(t, c, "edit "+id+" buy oat milk")
	waitFor(t, "peer board", func() bool {
		e, ok := other.s.Board().Get(id)
		return ok && e.Text == "buy oat milk" && other.s.Board().Len() == 3
	})

	out.Reset()
	run(t, c, "board")
	if !strings.Contains(out.String(), "buy oat milk") || !strings.Contains(out.String(), "ellipse") {
		t.Fatalf("board listing:\n%s", out.String())
	}

	run(t, c, "rm "+id)
	run(t, c, "clear")
	waitFor(t, "peer clear", func() bool { return other.s.Board().Len() == 0 })
}

func TestConsoleErrors(t *testing.T) {
	hub := room.NewHub(room.HubOptions{})
	c, _ := newTestConsole(t, hub, "a", "Ana")

	for _, line := range []string{
		"bogus",
		"type",
		"del x 1",
		"stroke nope",
		"shape hexagon 0,0 1,1",
		"edit missing text",
		"react this-is-not-short",
	} {
		if _, err := c.Execute(line); err == nil {
			t.Errorf("%q should fail", line)
		}
	}

	if quit, _ := c.Execute("quit"); !quit {
		t.Fatal("quit did not quit")
	}
	if quit, err := c.Execute("   "); quit || err != nil {
		t.Fatal("blank line should be ignored")
	}
}

func TestConsoleParticipantsAndCursors(t *testing.T) {
	hub := room.NewHub(room.HubOptions{})
	c, out := newTestConsole(t, hub, "a", "Ana")
	other, _ := newTestConsole(t, hub, "b", "Bo")

	other.Execute("cursor 0.25 0.75")
	waitFor(t, "cursor", func() bool { return len(c.s.Tracker().Cursors()) == 1 })
	waitFor(t, "roster", func() bool { return len(c.s.Participants()) == 2 })

	out.Reset()
	run(t, c, "cursors")
	if !strings.Contains(out.String(), "Bo") || !strings.Contains(out.String(), "0.750") {
		t.Fatalf("cursors listing:\n%s", out.String())
	}

	out.Reset()
	run(t, c, "who")
	if !strings.Contains(out.String(), "you") {
		t.Fatalf("who listing:\n%s", out.String())
	}
}

func TestConsoleRunStopsAtQuit(t *testing.T) {
	hub := room.NewHub(room.HubOptions{})
	c, _ := newTestConsole(t, hub, "a", "Ana")

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background(), strings.NewReader("type hi\nquit\ntype never\n")) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	if text, _ := c.s.Document().Text(); text != "hi" {
		t.Fatalf("text = %q", text)
	}
}
