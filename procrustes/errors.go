package procrustes

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyGroup is returned when Align is given no shapes.
	ErrEmptyGroup = errors.New("procrustes: empty shape group")
	// ErrDuplicateShapeID is returned when two shapes share an ID.
	ErrDuplicateShapeID = errors.New("procrustes: duplicate shape id")
	// ErrInvalidOptions covers unusable Options values and unknown modes.
	ErrInvalidOptions = errors.New("procrustes: invalid options")
)

// ShapeMismatchError reports a landmark count that differs from the rest of
// the group. Align returns it before any alignment work is done.
type ShapeMismatchError struct {
	ShapeID string
	Want    int
	Got     int
}

func (e *ShapeMismatchError) Error() string {
	if e.ShapeID == "" {
		return fmt.Sprintf("procrustes: point count mismatch: want %d, got %d", e.Want, e.Got)
	}
	return fmt.Sprintf("procrustes: shape %q has %d points, want %d", e.ShapeID, e.Got, e.Want)
}

// DegenerateInputError reports a landmark configuration whose rotation is
// not uniquely defined: fewer than three affinely independent points, or
// non-finite coordinates.
type DegenerateInputError struct {
	ShapeID        string
	Reason         string
	SingularValues []float64
}

func (e *DegenerateInputError) Error() string {
	if e.ShapeID == "" {
		return "procrustes: degenerate landmarks: " + e.Reason
	}
	return fmt.Sprintf("procrustes: degenerate landmarks in shape %q: %s", e.ShapeID, e.Reason)
}

// tagShape fills in the shape ID on errors produced by a pairwise solve.
func tagShape(err error, id string) error {
	var degenerate *DegenerateInputError
	if errors.As(err, &degenerate) && degenerate.ShapeID == "" {
		tagged := *degenerate
		tagged.ShapeID = id
		return &tagged
	}
	var mismatch *ShapeMismatchError
	if errors.As(err, &mismatch) && mismatch.ShapeID == "" {
		tagged := *mismatch
		tagged.ShapeID = id
		return &tagged
	}
	return err
}
