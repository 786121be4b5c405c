// Package tooth validates tooth locators written in FDI two-digit notation.
package tooth

import (
	"strconv"
	"strings"

	"github.com/pranav-miglani/dental-record/internal/apperr"
)

// Quadrant is one of the four FDI quadrants.
type Quadrant string

const (
	UpperRight Quadrant = "upper_right"
	UpperLeft  Quadrant = "upper_left"
	LowerLeft  Quadrant = "lower_left"
	LowerRight Quadrant = "lower_right"
)

// quadrantDigit is the leading FDI digit; valid teeth are {digit}1 through {digit}8.
var quadrantDigit = map[Quadrant]int{
	UpperRight: 1,
	UpperLeft:  2,
	LowerLeft:  3,
	LowerRight: 4,
}

// Locator identifies a tooth on a procedure.
type Locator struct {
	Tooth       string   `json:"tooth"`
	Quadrant    Quadrant `json:"quadrant"`
	FDINotation string   `json:"fdi_notation"`
}

// String renders the locator for watermarks and logs.
func (l Locator) String() string {
	return l.Tooth
}

// Validate checks that the tooth is numeric, belongs to the quadrant and that the FDI
// notation repeats the tooth number.
func Validate(l Locator) error {
	n, err := strconv.Atoi(strings.TrimSpace(l.Tooth))
	if err != nil {
		return apperr.Validation("Invalid tooth number: %s", l.Tooth)
	}

	digit, ok := quadrantDigit[l.Quadrant]
	if !ok || n/10 != digit || n%10 < 1 || n%10 > 8 {
		return apperr.Validation("Tooth number %d is not valid for quadrant %s", n, l.Quadrant)
	}

	if l.FDINotation != l.Tooth {
		return apperr.Validation("FDI notation %s does not match tooth number %s", l.FDINotation, l.Tooth)
	}
	return nil
}

// Parse splits "11", "11,12" or "11-12" into validated locators for one quadrant.
// A dash lists both end teeth; it is not expanded into a range.
func Parse(s string, quadrant Quadrant) ([]Locator, error) {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '-' })
	if len(parts) == 0 {
		return nil, apperr.Validation("Invalid tooth number: %s", s)
	}

	out := make([]Locator, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		l := Locator{Tooth: part, Quadrant: quadrant, FDINotation: part}
		if err := Validate(l); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}
