// Package procrustes superimposes groups of correspondence-ordered 3-D point
// sets with Generalized Procrustes Analysis.
//
// Solve answers the pairwise problem (Kabsch/Umeyama), Align iterates it over
// a whole Group against a running mean shape, and Recover re-derives one clean
// homogeneous matrix per shape from its untouched input to its final pose.
// Nothing in this package performs I/O.
package procrustes

import (
	"fmt"
	"strings"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
)

// Mode selects which transform family the landmark solver may use.
type Mode int

const (
	// RigidBody allows rotation and translation only.
	RigidBody Mode = iota
	// Similarity additionally solves for a uniform scale.
	Similarity
)

// String returns the config spelling of the mode.
func (m Mode) String() string {
	switch m {
	case RigidBody:
		return "rigid"
	case Similarity:
		return "similarity"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode accepts "rigid", "rigidbody", "rigid-body" and "similarity"
// in any case.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rigid", "rigidbody", "rigid-body", "rigid_body":
		return RigidBody, nil
	case "similarity", "similar", "scale":
		return Similarity, nil
	}
	return 0, fmt.Errorf("%w: unknown mode %q", ErrInvalidOptions, s)
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	if m != RigidBody && m != Similarity {
		return nil, fmt.Errorf("%w: unknown mode %d", ErrInvalidOptions, int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Shape is one landmark configuration. Points[i] of every shape in a Group
// must describe the same feature.
type Shape struct {
	ID          string
	Points      []r3.Vector
	IsReference bool
}

// Group is an ordered, non-empty collection of shapes with equal cardinality.
type Group []Shape

// Reference returns the index of the shape flagged as reference, or 0 when
// none is flagged. Only the first flag counts.
func (g Group) Reference() int {
	for i, s := range g {
		if s.IsReference {
			return i
		}
	}
	return 0
}

// Transform maps p to Scale*Rotation*p + Translation.
type Transform struct {
	Rotation    mgl64.Mat3
	Translation r3.Vector
	Scale       float64
}

// IdentityTransform returns the transform that leaves every point in place.
func IdentityTransform() Transform {
	return Transform{Rotation: mgl64.Ident3(), Scale: 1}
}

// Apply transforms a single point.
func (t Transform) Apply(p r3.Vector) r3.Vector {
	v := t.Rotation.Mul3x1(mgl64.Vec3{p.X, p.Y, p.Z})
	return r3.Vector{
		X: t.Scale*v[0] + t.Translation.X,
		Y: t.Scale*v[1] + t.Translation.Y,
		Z: t.Scale*v[2] + t.Translation.Z,
	}
}

// ApplyAll transforms every point into a new slice.
func (t Transform) ApplyAll(points []r3.Vector) []r3.Vector {
	out := make([]r3.Vector, len(points))
	for i, p := range points {
		out[i] = t.Apply(p)
	}
	return out
}

// Matrix returns the 4x4 homogeneous form T*R*S.
func (t Transform) Matrix() mgl64.Mat4 {
	m := t.Rotation.Mul(t.Scale).Mat4()
	m.SetCol(3, mgl64.Vec4{t.Translation.X, t.Translation.Y, t.Translation.Z, 1})
	return m
}

// Compose returns the transform equivalent to applying other first, then t.
func (t Transform) Compose(other Transform) Transform {
	return Transform{
		Rotation:    t.Rotation.Mul3(other.Rotation),
		Translation: t.Apply(other.Translation),
		Scale:       t.Scale * other.Scale,
	}
}

// Inverse returns the transform undoing t. Scale must be non-zero.
func (t Transform) Inverse() Transform {
	rt := t.Rotation.Transpose()
	inv := Transform{Rotation: rt, Scale: 1 / t.Scale}
	back := rt.Mul3x1(mgl64.Vec3{t.Translation.X, t.Translation.Y, t.Translation.Z}).Mul(-inv.Scale)
	inv.Translation = r3.Vector{X: back[0], Y: back[1], Z: back[2]}
	return inv
}

// StopReason records why Align stopped iterating.
type StopReason int

const (
	StopConverged StopReason = iota
	StopMaxIterations
	StopCancelled
	StopSingleShape
)

func (r StopReason) String() string {
	switch r {
	case StopConverged:
		return "converged"
	case StopMaxIterations:
		return "max-iterations"
	case StopCancelled:
		return "cancelled"
	case StopSingleShape:
		return "single-shape"
	default:
		return fmt.Sprintf("StopReason(%d)", int(r))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r StopReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// ShapeResult is the final state of one input shape.
type ShapeResult struct {
	ID        string
	Aligned   []r3.Vector
	Transform Transform
	Matrix    mgl64.Mat4
	// Residual is the squared distance sum between Aligned and the mean.
	Residual float64
}

// Result is everything Align produces. Shapes keep the input order.
type Result struct {
	Mode           Mode
	MeanShape      []r3.Vector
	Shapes         []ShapeResult
	Iterations     int
	FinalDisparity float64
	// Disparities holds the disparity after Init at index 0 and after each
	// iteration afterwards.
	Disparities []float64
	Converged   bool
	StopReason  StopReason
}

// Shape looks a shape result up by ID.
func (r *Result) Shape(id string) (ShapeResult, bool) {
	for _, s := range r.Shapes {
		if s.ID == id {
			return s, true
		}
	}
	return ShapeResult{}, false
}
