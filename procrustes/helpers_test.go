package procrustes

import (
	"math"
	"math/rand"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
)

const epsilon = 1e-9

func unitSquare() []r3.Vector {
	return []r3.Vector{
		{X: 0, Y: 0, Z: 0},
		{X: 1, Y: 0, Z: 0},
		{X: 1, Y: 1, Z: 0},
		{X: 0, Y: 1, Z: 0},
	}
}

// tetraCloud is a small non-coplanar landmark set.
func tetraCloud() []r3.Vector {
	return []r3.Vector{
		{X: 0, Y: 0, Z: 0},
		{X: 2, Y: 0, Z: 0},
		{X: 0, Y: 3, Z: 0},
		{X: 0, Y: 0, Z: 1.5},
		{X: 1, Y: 1, Z: 1},
		{X: -1, Y: 0.5, Z: 2},
	}
}

// moved rotates by the given Euler angles (degrees, X then Z), scales and
// translates every point.
func moved(points []r3.Vector, degX, degZ, scale float64, shift r3.Vector) []r3.Vector {
	rot := mgl64.Rotate3DZ(mgl64.DegToRad(degZ)).Mul3(mgl64.Rotate3DX(mgl64.DegToRad(degX)))
	t := Transform{Rotation: rot, Translation: shift, Scale: scale}
	return t.ApplyAll(points)
}

func mirrored(points []r3.Vector) []r3.Vector {
	out := make([]r3.Vector, len(points))
	for i, p := range points {
		out[i] = r3.Vector{X: -p.X, Y: p.Y, Z: p.Z}
	}
	return out
}

func jittered(points []r3.Vector, rng *rand.Rand, amount float64) []r3.Vector {
	out := make([]r3.Vector, len(points))
	for i, p := range points {
		out[i] = r3.Vector{
			X: p.X + (rng.Float64()-0.5)*amount,
			Y: p.Y + (rng.Float64()-0.5)*amount,
			Z: p.Z + (rng.Float64()-0.5)*amount,
		}
	}
	return out
}

// noisyGroup builds shapes that agree only approximately, so GPA needs
// several iterations.
func noisyGroup(seed int64, count int) Group {
	rng := rand.New(rand.NewSource(seed))
	base := tetraCloud()
	group := make(Group, count)
	for i := range group {
		pts := jittered(base, rng, 0.4)
		pts = moved(pts, rng.Float64()*90, rng.Float64()*360, 0.5+rng.Float64()*2,
			r3.Vector{X: rng.Float64() * 10, Y: rng.Float64() * -5, Z: rng.Float64() * 3})
		group[i] = Shape{ID: string(rune('a' + i)), Points: pts}
	}
	return group
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < epsilon
}

// mat3Equal compares element-wise with an absolute tolerance.
func mat3Equal(a, b mgl64.Mat3, tol float64) bool {
	for i := range a {
		if math.Abs(a[i]-b[i]) > tol {
			return false
		}
	}
	return true
}

func mat4Equal(a, b mgl64.Mat4, tol float64) bool {
	for i := range a {
		if math.Abs(a[i]-b[i]) > tol {
			return false
		}
	}
	return true
}

func pointsEqual(a, b []r3.Vector, tol float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Sub(b[i]).Norm() > tol {
			return false
		}
	}
	return true
}
