package procrustes

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// rankTolerance is the smallest accepted ratio between the second and the
// largest singular value of the cross-covariance. Below it the landmarks are
// treated as collinear.
const rankTolerance = 1e-10

// Solve finds the transform that best maps source onto target in the least
// squares sense. Points are paired by index.
//
// The rotation comes from the SVD of the cross-covariance H = U*S*V^T as
// R = V*D*U^T, where D flips the axis of the smallest singular value when
// V*U^T would be a reflection. In Similarity mode the scale is
// trace(D*S) / sum(|source_i - c_s|^2).
func Solve(source, target []r3.Vector, mode Mode) (Transform, error) {
	if mode != RigidBody && mode != Similarity {
		return Transform{}, fmt.Errorf("%w: unknown mode %d", ErrInvalidOptions, int(mode))
	}
	if len(source) != len(target) {
		return Transform{}, &ShapeMismatchError{Want: len(target), Got: len(source)}
	}
	if len(source) < 3 {
		return Transform{}, &DegenerateInputError{
			Reason: fmt.Sprintf("need at least 3 landmarks, got %d", len(source)),
		}
	}
	if !allFinite(source) || !allFinite(target) {
		return Transform{}, &DegenerateInputError{Reason: "non-finite coordinate"}
	}

	cs := Centroid(source)
	ct := Centroid(target)

	h := mat.NewDense(3, 3, nil)
	var sourceVar float64
	for i := range source {
		s := source[i].Sub(cs)
		t := target[i].Sub(ct)
		sourceVar += s.Norm2()
		sv := [3]float64{s.X, s.Y, s.Z}
		tv := [3]float64{t.X, t.Y, t.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+sv[r]*tv[c])
			}
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(h, mat.SVDFull); !ok {
		return Transform{}, &DegenerateInputError{Reason: "cross-covariance SVD did not converge"}
	}
	values := svd.Values(nil)
	if values[0] <= 0 || values[1] <= rankTolerance*values[0] {
		return Transform{}, &DegenerateInputError{
			Reason:         "landmarks are collinear or coincident",
			SingularValues: values,
		}
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var vut mat.Dense
	vut.Mul(&v, u.T())
	d := 1.0
	if mat.Det(&vut) < 0 {
		d = -1
	}
	// Values are sorted in decreasing order, so column 2 belongs to the
	// smallest singular value.
	for r := 0; r < 3; r++ {
		v.Set(r, 2, d*v.At(r, 2))
	}
	var rot mat.Dense
	rot.Mul(&v, u.T())

	scale := 1.0
	if mode == Similarity {
		scale = (values[0] + values[1] + d*values[2]) / sourceVar
	}

	rotation := toMat3(&rot)
	rc := rotation.Mul3x1(mgl64.Vec3{cs.X, cs.Y, cs.Z})
	return Transform{
		Rotation: rotation,
		Translation: r3.Vector{
			X: ct.X - scale*rc[0],
			Y: ct.Y - scale*rc[1],
			Z: ct.Z - scale*rc[2],
		},
		Scale: scale,
	}, nil
}

// toMat3 copies a 3x3 gonum matrix into column-major mgl64 storage.
func toMat3(m mat.Matrix) mgl64.Mat3 {
	var out mgl64.Mat3
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out.Set(r, c, m.At(r, c))
		}
	}
	return out
}

// Centroid returns the arithmetic mean of points, or the origin for none.
func Centroid(points []r3.Vector) r3.Vector {
	if len(points) == 0 {
		return r3.Vector{}
	}
	var sum r3.Vector
	for _, p := range points {
		sum = sum.Add(p)
	}
	return sum.Mul(1 / float64(len(points)))
}

// Center returns a copy of points translated so their centroid is the origin.
func Center(points []r3.Vector) []r3.Vector {
	c := Centroid(points)
	out := make([]r3.Vector, len(points))
	for i, p := range points {
		out[i] = p.Sub(c)
	}
	return out
}

// Norm is the Frobenius norm of the configuration about its centroid.
func Norm(points []r3.Vector) float64 {
	c := Centroid(points)
	var sum float64
	for _, p := range points {
		sum += p.Sub(c).Norm2()
	}
	return math.Sqrt(sum)
}

// Disparity is the sum of squared distances between paired points.
func Disparity(a, b []r3.Vector) float64 {
	var sum float64
	for i := range a {
		sum += a[i].Sub(b[i]).Norm2()
	}
	return sum
}

func allFinite(points []r3.Vector) bool {
	for _, p := range points {
		if !finite(p.X) || !finite(p.Y) || !finite(p.Z) {
			return false
		}
	}
	return true
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
