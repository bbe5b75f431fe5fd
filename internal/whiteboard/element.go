// Package whiteboard mirrors a list of drawing elements across the
// participants of a session.
package whiteboard

import (
	"slices"

	"github.com/google/uuid"
)

// Kind discriminates the Element variants.
type Kind string

const (
	KindStroke Kind = "stroke"
	KindShape  Kind = "shape"
	KindSticky Kind = "sticky"
)

// Tool is the variant of a shape.
type Tool string

const (
	ToolRectangle Tool = "rectangle"
	ToolEllipse   Tool = "ellipse"
	ToolArrow     Tool = "arrow"
	ToolLine      Tool = "line"
)

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Size struct {
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Element is a whiteboard item. Which fields are meaningful depends on Type:
//
//	stroke: Points, Color, Width, Opacity
//	shape:  Start, End, Tool, Color, Width
//	sticky: Position, Size, Background, Text
type Element struct {
	ID   string `json:"id"`
	Type Kind   `json:"type"`

	Points  []Point `json:"points,omitempty"`
	Color   string  `json:"color,omitempty"`
	Width   float64 `json:"width,omitempty"`
	Opacity float64 `json:"opacity,omitempty"`

	Start *Point `json:"start,omitempty"`
	End   *Point `json:"end,omitempty"`
	Tool  Tool   `json:"tool,omitempty"`

	Position   *Point `json:"position,omitempty"`
	Size       *Size  `json:"size,omitempty"`
	Background string `json:"background,omitempty"`
	Text       string `json:"text,omitempty"`
}

// NewID returns a fresh element id.
func NewID() string {
	return uuid.NewString()
}

// NewStroke builds a freehand stroke element.
func NewStroke(points []Point, color string, width, opacity float64) Element {
	return Element{
		ID:      NewID(),
		Type:    KindStroke,
		Points:  slices.Clone(points),
		Color:   color,
		Width:   width,
		Opacity: opacity,
	}
}

// NewShape builds a shape element spanning start to end.
func NewShape(tool Tool, start, end Point, color string, width float64) Element {
	return Element{
		ID:    NewID(),
		Type:  KindShape,
		Start: &start,
		End:   &end,
		Tool:  tool,
		Color: color,
		Width: width,
	}
}

// NewSticky builds a sticky note.
func NewSticky(pos Point, size Size, background, text string) Element {
	return Element{
		ID:         NewID(),
		Type:       KindSticky,
		Position:   &pos,
		Size:       &size,
		Background: background,
		Text:       text,
	}
}

// Clone returns a deep copy of e.
func (e Element) Clone() Element {
	c := e
	c.Points = slices.Clone(e.Points)
	if e.Start != nil {
		p := *e.Start
		c.Start = &p
	}
	if e.End != nil {
		p := *e.End
		c.End = &p
	}
	if e.Position != nil {
		p := *e.Position
		c.Position = &p
	}
	if e.Size != nil {
		s := *e.Size
		c.Size = &s
	}
	return c
}
