package mesh

import (
	"context"
	"errors"
	"fmt"

	"github.com/kwv/gpamesh/procrustes"
)

// ShapeInput is one shape in an AlignRequest.
type ShapeInput struct {
	ID          string       `json:"id"`
	Points      [][3]float64 `json:"points"`
	IsReference bool         `json:"isReference,omitempty"`
}

// AlignRequest is the payload accepted by POST /align and the MQTT request
// topic. Zero-valued settings fall back to the configured defaults.
type AlignRequest struct {
	RunID         string       `json:"runId,omitempty"`
	Mode          string       `json:"mode,omitempty"`
	MaxIterations int          `json:"maxIterations,omitempty"`
	Tolerance     float64      `json:"tolerance,omitempty"`
	Shapes        []ShapeInput `json:"shapes"`
}

// Group converts the request shapes.
func (r AlignRequest) Group() procrustes.Group {
	g := make(procrustes.Group, len(r.Shapes))
	for i, s := range r.Shapes {
		g[i] = procrustes.Shape{ID: s.ID, Points: fromTriples(s.Points), IsReference: s.IsReference}
	}
	return g
}

// Options overlays the request's settings on base.
func (r AlignRequest) Options(base procrustes.Options) (procrustes.Options, error) {
	opts := base
	if r.Mode != "" {
		mode, err := procrustes.ParseMode(r.Mode)
		if err != nil {
			return procrustes.Options{}, err
		}
		opts.Mode = mode
	}
	if r.MaxIterations != 0 {
		opts.MaxIterations = r.MaxIterations
	}
	if r.Tolerance != 0 {
		opts.Tolerance = r.Tolerance
	}
	if err := opts.Validate(); err != nil {
		return procrustes.Options{}, err
	}
	return opts, nil
}

// Execute runs an alignment request and returns its result document.
func Execute(ctx context.Context, req AlignRequest, base procrustes.Options) (*ResultDocument, error) {
	opts, err := req.Options(base)
	if err != nil {
		return nil, err
	}
	res, err := procrustes.Align(ctx, req.Group(), opts)
	if err != nil {
		return nil, fmt.Errorf("aligning: %w", err)
	}
	return NewResultDocument(req.RunID, res), nil
}

// ErrorKind classifies an alignment error for API responses.
func ErrorKind(err error) string {
	var mismatch *procrustes.ShapeMismatchError
	var degenerate *procrustes.DegenerateInputError
	switch {
	case errors.As(err, &mismatch):
		return "shape-mismatch"
	case errors.As(err, &degenerate):
		return "degenerate-input"
	case errors.Is(err, procrustes.ErrInvalidOptions):
		return "invalid-options"
	case errors.Is(err, procrustes.ErrEmptyGroup):
		return "empty-group"
	case errors.Is(err, procrustes.ErrDuplicateShapeID):
		return "duplicate-shape-id"
	default:
		return "internal"
	}
}
