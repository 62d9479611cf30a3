package procrustes

import (
	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
)

// Recover re-derives the single transform taking a shape from its original
// coordinates to its aligned ones, together with its homogeneous matrix.
// The result does not depend on how many iterations produced aligned, so it
// is what should be persisted next to the aligned points.
func Recover(original, aligned []r3.Vector, mode Mode) (mgl64.Mat4, Transform, error) {
	t, err := Solve(original, aligned, mode)
	if err != nil {
		return mgl64.Mat4{}, Transform{}, err
	}
	return t.Matrix(), t, nil
}

// ApplyMatrix transforms p by a homogeneous 4x4 matrix.
func ApplyMatrix(m mgl64.Mat4, p r3.Vector) r3.Vector {
	v := m.Mul4x1(mgl64.Vec4{p.X, p.Y, p.Z, 1})
	return r3.Vector{X: v[0] / v[3], Y: v[1] / v[3], Z: v[2] / v[3]}
}
