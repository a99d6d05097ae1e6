package canvas

import (
	"fmt"
	"time"
)

// Kind is the element type tag as it appears on the wire
type Kind string

const (
	KindStroke Kind = "stroke"
	KindText   Kind = "text"
	KindImage  Kind = "image"

	// Older clients tag freehand strokes as "drawing"
	kindDrawingAlias Kind = "drawing"
)

const maxElementIDLength = 128

// Element is a single canvas item. Which fields are meaningful depends on Kind.
type Element struct {
	ID   string `json:"id"`
	Kind Kind   `json:"type"`

	// stroke
	Points      []float64 `json:"points,omitempty"`
	Stroke      string    `json:"stroke,omitempty"`
	StrokeWidth float64   `json:"strokeWidth,omitempty"`

	// text and image share a position
	X float64 `json:"x,omitempty"`
	Y float64 `json:"y,omitempty"`

	// text
	Text       string  `json:"text,omitempty"`
	FontSize   float64 `json:"fontSize,omitempty"`
	Fill       string  `json:"fill,omitempty"`
	FontFamily string  `json:"fontFamily,omitempty"`

	// image
	Width  float64 `json:"width,omitempty"`
	Height float64 `json:"height,omitempty"`
	URL    string  `json:"url,omitempty"`

	// Set by the server, ignored on input
	CreatedAt time.Time `json:"createdAt"`
	AuthorID  string    `json:"authorId,omitempty"`
	Sent      bool      `json:"sent"`
}

// Normalize rewrites legacy kind aliases in place
func (e *Element) Normalize() {
	if e.Kind == kindDrawingAlias {
		e.Kind = KindStroke
	}
}

// Validate checks the kind-specific payload. It does not look at server-owned fields.
func (e *Element) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidElement)
	}
	if len(e.ID) > maxElementIDLength {
		return fmt.Errorf("%w: id longer than %d bytes", ErrInvalidElement, maxElementIDLength)
	}

	switch e.Kind {
	case KindStroke, kindDrawingAlias:
		if len(e.Points) < 2 || len(e.Points)%2 != 0 {
			return fmt.Errorf("%w: stroke needs an even, non-empty point list", ErrInvalidElement)
		}
		if e.StrokeWidth <= 0 {
			return fmt.Errorf("%w: stroke width must be positive", ErrInvalidElement)
		}
	case KindText:
		if e.Text == "" {
			return fmt.Errorf("%w: empty text", ErrInvalidElement)
		}
		if e.FontSize <= 0 {
			return fmt.Errorf("%w: font size must be positive", ErrInvalidElement)
		}
	case KindImage:
		if e.URL == "" {
			return fmt.Errorf("%w: image without url", ErrInvalidElement)
		}
		if e.Width <= 0 || e.Height <= 0 {
			return fmt.Errorf("%w: image dimensions must be positive", ErrInvalidElement)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidElement, e.Kind)
	}
	return nil
}

// IDs returns the element ids in order
func IDs(elements []Element) []string {
	ids := make([]string, len(elements))
	for i, el := range elements {
		ids[i] = el.ID
	}
	return ids
}
