package whiteboard

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
)

// Validation limits.
const (
	MaxIDLength     = 64
	MaxPoints       = 10000
	MaxCoordinate   = 1000000
	MaxStrokeWidth  = 1000
	MaxColorLength  = 50
	MaxStickyText   = 1000
	MaxStickyExtent = 10000
)

// ErrInvalidElement wraps every validation failure.
var ErrInvalidElement = errors.New("invalid element")

type pointSchema struct {
	X float64 `validate:"gte=-1000000,lte=1000000"`
	Y float64 `validate:"gte=-1000000,lte=1000000"`
}

type strokeSchema struct {
	ID      string        `validate:"required,max=64"`
	Points  []pointSchema `validate:"required,min=1,max=10000,dive"`
	Color   string        `validate:"max=50"`
	Width   float64       `validate:"gte=0,lte=1000"`
	Opacity float64       `validate:"gte=0,lte=1"`
}

type shapeSchema struct {
	ID    string       `validate:"required,max=64"`
	Start *pointSchema `validate:"required"`
	End   *pointSchema `validate:"required"`
	Tool  string       `validate:"required,oneof=rectangle ellipse arrow line"`
	Color string       `validate:"max=50"`
	Width float64      `validate:"gte=0,lte=1000"`
}

type sizeSchema struct {
	W float64 `validate:"gte=0,lte=10000"`
	H float64 `validate:"gte=0,lte=10000"`
}

type stickySchema struct {
	ID         string       `validate:"required,max=64"`
	Position   *pointSchema `validate:"required"`
	Size       *sizeSchema  `validate:"required"`
	Background string       `validate:"max=50"`
	Text       string       `validate:"max=1000"`
}

// Validator checks elements against per-kind schemas and strips markup from
// free text.
type Validator struct {
	validate  *validator.Validate
	sanitizer *bluemonday.Policy
}

func NewValidator() *Validator {
	return &Validator{
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		sanitizer: bluemonday.StrictPolicy(),
	}
}

// ValidateAndSanitize returns a sanitized copy of e, or an error wrapping
// ErrInvalidElement.
func (v *Validator) ValidateAndSanitize(e Element) (Element, error) {
	var schema any
	switch e.Type {
	case KindStroke:
		s := strokeSchema{ID: e.ID, Color: e.Color, Width: e.Width, Opacity: e.Opacity}
		for _, p := range e.Points {
			s.Points = append(s.Points, pointSchema(p))
		}
		schema = &s
	case KindShape:
		schema = &shapeSchema{
			ID: e.ID, Start: toPointSchema(e.Start), End: toPointSchema(e.End),
			Tool: string(e.Tool), Color: e.Color, Width: e.Width,
		}
	case KindSticky:
		s := &stickySchema{ID: e.ID, Position: toPointSchema(e.Position), Background: e.Background, Text: e.Text}
		if e.Size != nil {
			s.Size = &sizeSchema{W: e.Size.W, H: e.Size.H}
		}
		schema = s
	default:
		return Element{}, fmt.Errorf("%w: unknown type %q", ErrInvalidElement, e.Type)
	}

	if err := v.validate.Struct(schema); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return Element{}, fmt.Errorf("%w: %s", ErrInvalidElement, formatFieldError(verrs[0]))
		}
		return Element{}, fmt.Errorf("%w: %v", ErrInvalidElement, err)
	}

	out := e.Clone()
	out.Color = v.sanitizer.Sanitize(out.Color)
	out.Background = v.sanitizer.Sanitize(out.Background)
	out.Text = v.sanitizer.Sanitize(out.Text)
	return out, nil
}

func toPointSchema(p *Point) *pointSchema {
	if p == nil {
		return nil
	}
	ps := pointSchema(*p)
	return &ps
}

func formatFieldError(err validator.FieldError) string {
	switch err.Tag() {
	case "required":
		return fmt.Sprintf("'%s' is required", err.Field())
	case "min", "max", "gte", "lte":
		return fmt.Sprintf("'%s' value out of allowed range", err.Field())
	case "oneof":
		return fmt.Sprintf("'%s' must be one of [%s]", err.Field(), err.Param())
	default:
		return fmt.Sprintf("'%s' is invalid", err.Field())
	}
}
