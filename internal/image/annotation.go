package image

import (
	"strings"

	"github.com/pranav-miglani/dental-record/internal/apperr"
)

type ShapeType string

const (
	ShapeCircle    ShapeType = "circle"
	ShapeRectangle ShapeType = "rectangle"
	ShapeArrow     ShapeType = "arrow"
	ShapeLine      ShapeType = "line"
)

// Shape is a vector overlay in image pixel coordinates.
type Shape struct {
	Type   ShapeType `json:"type"`
	X      float64   `json:"x"`
	Y      float64   `json:"y"`
	Radius *float64  `json:"radius,omitempty"`
	Width  *float64  `json:"width,omitempty"`
	Height *float64  `json:"height,omitempty"`
	Color  string    `json:"color"`
}

// TextLabel is a free-text overlay.
type TextLabel struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Text     string  `json:"text"`
	FontSize float64 `json:"font_size"`
	Color    string  `json:"color"`
}

// Annotation is the overlay document stored beside an image version.
type Annotation struct {
	Shapes []Shape     `json:"shapes"`
	Text   []TextLabel `json:"text"`
}

// Validate checks shape types and the size fields each shape needs.
func (a Annotation) Validate() error {
	for i, s := range a.Shapes {
		switch s.Type {
		case ShapeCircle:
			if s.Radius == nil || *s.Radius <= 0 {
				return apperr.Validation("shape %d: circle needs a positive radius", i)
			}
		case ShapeRectangle:
			if s.Width == nil || s.Height == nil {
				return apperr.Validation("shape %d: rectangle needs width and height", i)
			}
		case ShapeArrow, ShapeLine:
		default:
			return apperr.Validation("shape %d: unsupported type %q", i, s.Type)
		}
	}
	for i, t := range a.Text {
		if strings.TrimSpace(t.Text) == "" {
			return apperr.Validation("text label %d is empty", i)
		}
		if t.FontSize <= 0 {
			return apperr.Validation("text label %d needs a positive font size", i)
		}
	}
	return nil
}
