package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pterm/pterm"

	"github.com/1ureka/huddle/internal/room"
	"github.com/1ureka/huddle/internal/session"
	"github.com/1ureka/huddle/internal/util"
	"github.com/1ureka/huddle/internal/whiteboard"
)

const consoleHelp = `commands:
  text                         print the shared document
  type <text>                  append text to the document
  insert <pos> <text>          insert text at a rune offset
  del <pos> <n>                delete n runes at pos
  stroke <x,y> <x,y>... [#rgb] draw a freehand stroke
  shape <tool> <x,y> <x,y>     draw a rectangle, ellipse, arrow or line
  note <x,y> <text>            pin a sticky note
  edit <id> <text>             change a sticky note's text
  rm <id>                      remove an element
  clear                        clear the whiteboard
  board                        list whiteboard elements
  cursor <x> <y>               move your cursor (0..1)
  cursors                      list remote cursors
  react <emoji>                send a reaction
  who                          list participants
  quit                         leave the room`

var errUsage = errors.New("usage error, type help")

// console is the line-oriented front end of a session.
type console struct {
	s    *session.Session
	out  io.Writer
	subs room.Disposers
}

func newConsole(s *session.Session, out io.Writer) *console {
	return &console{s: s, out: out}
}

// Run reads commands from in until quit, EOF or ctx is done.
func (c *console) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.watch()
	defer c.subs.Run()

	fmt.Fprintln(c.out, `type "help" for commands`)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := c.Execute(line)
			if err != nil {
				util.LogWarning("%v", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// watch reports what other participants do.
func (c *console) watch() {
	c.subs.Add(c.s.Whiteboard().OnChange(func(ch whiteboard.Change) {
		if ch.Origin == whiteboard.OriginRemoteApplied {
			util.LogInfo("whiteboard: %s %s", ch.Op, ch.ID)
		}
	}))
	c.subs.Add(c.s.Reactions().OnReaction(func(sender, emoji string) {
		util.LogInfo("%s reacted %s", c.nameOf(sender), emoji)
	}))
}

func (c *console) nameOf(identity string) string {
	for _, p := range c.s.Participants() {
		if p.Identity == identity {
			return p.Name
		}
	}
	return identity
}

// Execute runs one command line.
func (c *console) Execute(line string) (quit bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	cmd, args := fields[0], fields[1:]
	rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), cmd))

	doc := c.s.Document()
	wb := c.s.Whiteboard()

	switch cmd {
	case "help", "?":
		fmt.Fprintln(c.out, consoleHelp)

	case "quit", "exit":
		return true, nil

	case "text":
		text, err := doc.Text()
		if err != nil {
			return false, err
		}
		fmt.Fprintln(c.out, text)

	case "type":
		if rest == "" {
			return false, errUsage
		}
		return false, doc.Append(rest)

	case "insert":
		if len(args) < 2 {
			return false, errUsage
		}
		pos, err := strconv.Atoi(args[0])
		if err != nil {
			return false, errUsage
		}
		return false, doc.Insert(pos, strings.TrimSpace(strings.TrimPrefix(rest, args[0])))

	case "del":
		if len(args) != 2 {
			return false, errUsage
		}
		pos, err1 := strconv.Atoi(args[0])
		n, err2 := strconv.Atoi(args[1])
		if err1 != nil || err2 != nil {
			return false, errUsage
		}
		return false, doc.Delete(pos, n)

	case "stroke":
		color := "#000000"
		if len(args) > 0 && strings.HasPrefix(args[len(args)-1], "#") {
			color, args = args[len(args)-1], args[:len(args)-1]
		}
		points, err := parsePoints(args)
		if err != nil || len(points) == 0 {
			return false, errUsage
		}
		e, err := wb.AddElement(whiteboard.NewStroke(points, color, 2, 1))
		if err != nil {
			return false, err
		}
		fmt.Fprintln(c.out, e.ID)

	case "shape":
		if len(args) != 3 {
			return false, errUsage
		}
		points, err := parsePoints(args[1:])
		if err != nil {
			return false, errUsage
		}
		e, err := wb.AddElement(whiteboard.NewShape(whiteboard.Tool(args[0]), points[0], points[1], "#000000", 2))
		if err != nil {
			return false, err
		}
		fmt.Fprintln(c.out, e.ID)

	case "note":
		if len(args) < 2 {
			return false, errUsage
		}
		points, err := parsePoints(args[:1])
		if err != nil {
			return false, errUsage
		}
		text := strings.TrimSpace(strings.TrimPrefix(rest, args[0]))
		e, err := wb.AddElement(whiteboard.NewSticky(points[0], whiteboard.Size{W: 200, H: 200}, "#fff59d", text))
		if err != nil {
			return false, err
		}
		fmt.Fprintln(c.out, e.ID)

	case "edit":
		if len(args) < 2 {
			return false, errUsage
		}
		cur, ok := c.s.Board().Get(args[0])
		if !ok {
			return false, fmt.Errorf("%w: %s", whiteboard.ErrNotFound, args[0])
		}
		cur.Text = strings.TrimSpace(strings.TrimPrefix(rest, args[0]))
		_, err := wb.UpdateSticky(cur)
		return false, err

	case "rm":
		if len(args) != 1 {
			return false, errUsage
		}
		wb.RemoveElement(args[0])

	case "clear":
		wb.ClearBoard()

	case "board":
		c.printBoard()

	case "cursor":
		if len(args) != 2 {
			return false, errUsage
		}
		x, err1 := strconv.ParseFloat(args[0], 64)
		y, err2 := strconv.ParseFloat(args[1], 64)
		if err1 != nil || err2 != nil {
			return false, errUsage
		}
		c.s.Cursor().Update(x, y)

	case "cursors":
		c.printCursors()

	case "react":
		if len(args) != 1 {
			return false, errUsage
		}
		return false, c.s.Reactions().Send(args[0])

	case "who":
		c.printParticipants()

	default:
		return false, fmt.Errorf("unknown command %q, type help", cmd)
	}
	return false, nil
}

// ---------------------------------------------------------------------------
// Listings
// ---------------------------------------------------------------------------

func (c *console) newTable(header table.Row) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(c.out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(header)
	return t
}

func (c *console) printBoard() {
	t := c.newTable(table.Row{"ID", "Type", "Detail"})
	for _, e := range c.s.Board().Elements() {
		t.AppendRow(table.Row{e.ID, e.Type, describe(e)})
	}
	t.AppendFooter(table.Row{"", "Total", c.s.Board().Len()})
	t.Render()
}

func (c *console) printCursors() {
	names := make(map[string]string)
	for _, p := range c.s.Participants() {
		names[p.Identity] = p.Name
	}
	cursors := c.s.Tracker().Cursors()
	ids := make([]string, 0, len(cursors))
	for id := range cursors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	t := c.newTable(table.Row{"Participant", "X", "Y", "Color"})
	for _, id := range ids {
		cur := cursors[id]
		name := names[id]
		if name == "" {
			name = id
		}
		t.AppendRow(table.Row{name, fmt.Sprintf("%.3f", cur.X), fmt.Sprintf("%.3f", cur.Y), cur.Color})
	}
	t.Render()
}

func (c *console) printParticipants() {
	t := c.newTable(table.Row{"Name", "Identity", ""})
	for _, p := range c.s.Participants() {
		name := p.Name
		if rgb, err := pterm.NewRGBFromHex(p.Color); err == nil {
			name = rgb.Sprint(p.Name)
		}
		self := ""
		if p.Self {
			self = "you"
		}
		t.AppendRow(table.Row{name, p.Identity, self})
	}
	t.Render()
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

func describe(e whiteboard.Element) string {
	switch e.Type {
	case whiteboard.KindStroke:
		return fmt.Sprintf("%d points %s", len(e.Points), e.Color)
	case whiteboard.KindShape:
		return fmt.Sprintf("%s (%g,%g)→(%g,%g)", e.Tool, e.Start.X, e.Start.Y, e.End.X, e.End.Y)
	case whiteboard.KindSticky:
		return fmt.Sprintf("%q at (%g,%g)", e.Text, e.Position.X, e.Position.Y)
	}
	return ""
}

// parsePoints parses "x,y" pairs.
func parsePoints(args []string) ([]whiteboard.Point, error) {
	points := make([]whiteboard.Point, 0, len(args))
	for _, a := range args {
		xs, ys, ok := strings.Cut(a, ",")
		if !ok {
			return nil, fmt.Errorf("bad point %q", a)
		}
		x, err := strconv.ParseFloat(xs, 64)
		if err != nil {
			return nil, err
		}
		y, err := strconv.ParseFloat(ys, 64)
		if err != nil {
			return nil, err
		}
		points = append(points, whiteboard.Point{X: x, Y: y})
	}
	return points, nil
}
