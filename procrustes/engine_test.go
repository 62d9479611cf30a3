package procrustes

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func squaresGroup() Group {
	sq := unitSquare()
	return Group{
		{ID: "square-0", Points: moved(sq, 0, 0, 1, r3.Vector{X: 3, Y: -1, Z: 2})},
		{ID: "square-30", Points: moved(sq, 0, 30, 1, r3.Vector{X: -4, Y: 7})},
		{ID: "square-90", Points: moved(sq, 0, 90, 2, r3.Vector{X: 10, Y: 10, Z: -5})},
	}
}

func TestAlignThreeSquares(t *testing.T) {
	opts := DefaultOptions()
	opts.Logger = zaptest.NewLogger(t).Sugar()

	res, err := Align(context.Background(), squaresGroup(), opts)
	require.NoError(t, err)

	assert.True(t, res.Converged)
	assert.Equal(t, StopConverged, res.StopReason)
	assert.LessOrEqual(t, res.Iterations, 20)
	assert.Less(t, res.FinalDisparity, opts.Tolerance)
	require.Len(t, res.MeanShape, 4)

	// The mean must still be a square: equal edges and right angles.
	m := res.MeanShape
	edges := []r3.Vector{m[1].Sub(m[0]), m[2].Sub(m[1]), m[3].Sub(m[2]), m[0].Sub(m[3])}
	for i := range edges {
		assert.InDelta(t, edges[0].Norm(), edges[i].Norm(), 1e-9, "edge %d", i)
		assert.InDelta(t, 0, edges[i].Dot(edges[(i+1)%4]), 1e-9, "corner %d", i)
	}
	assert.InDelta(t, 1, Norm(m), 1e-9)
	assert.InDelta(t, 0, Centroid(m).Norm(), 1e-9)

	// The doubled square must have been shrunk by half relative to the others.
	s0, ok := res.Shape("square-0")
	require.True(t, ok)
	s90, ok := res.Shape("square-90")
	require.True(t, ok)
	assert.InDelta(t, 2, s0.Transform.Scale/s90.Transform.Scale, 1e-9)
}

func TestAlignDisparityIsMonotonic(t *testing.T) {
	for _, mode := range []Mode{RigidBody, Similarity} {
		t.Run(mode.String(), func(t *testing.T) {
			opts := DefaultOptions()
			opts.Mode = mode
			opts.Tolerance = 1e-12
			opts.MaxIterations = 100

			res, err := Align(context.Background(), noisyGroup(42, 7), opts)
			require.NoError(t, err)
			require.Equal(t, res.Iterations+1, len(res.Disparities))
			assert.Greater(t, res.Iterations, 1)

			for i := 1; i < len(res.Disparities); i++ {
				prev, cur := res.Disparities[i-1], res.Disparities[i]
				assert.LessOrEqual(t, cur, prev*(1+1e-9)+1e-15, "iteration %d: %g -> %g", i, prev, cur)
			}
			assert.InDelta(t, res.Disparities[len(res.Disparities)-1], res.FinalDisparity, 1e-12)
		})
	}
}

func TestAlignIdempotentOnConvergedOutput(t *testing.T) {
	for _, mode := range []Mode{RigidBody, Similarity} {
		t.Run(mode.String(), func(t *testing.T) {
			opts := DefaultOptions()
			opts.Mode = mode
			opts.Tolerance = 1e-14
			opts.MaxIterations = 500

			first, err := Align(context.Background(), noisyGroup(3, 5), opts)
			require.NoError(t, err)

			again := make(Group, len(first.Shapes))
			for i, s := range first.Shapes {
				again[i] = Shape{ID: s.ID, Points: s.Aligned}
			}
			rerun := opts
			rerun.MaxIterations = 1
			rerun.InitialMean = first.MeanShape

			second, err := Align(context.Background(), again, rerun)
			require.NoError(t, err)
			assert.Equal(t, 1, second.Iterations)
			assert.InDelta(t, first.FinalDisparity, second.FinalDisparity, 1e-9*first.FinalDisparity+1e-15)
			for _, s := range second.Shapes {
				assert.InDelta(t, 1, s.Transform.Scale, 1e-6, s.ID)
				assert.InDelta(t, 0, s.Transform.Translation.Norm(), 1e-6, s.ID)
			}
		})
	}
}

func TestAlignModeSensitivity(t *testing.T) {
	const k = 2.5
	base := tetraCloud()
	group := Group{
		{ID: "small", Points: base},
		{ID: "large", Points: moved(base, 20, 45, k, r3.Vector{X: 1, Y: 2, Z: 3})},
	}

	rigidOpts := DefaultOptions()
	rigidOpts.Mode = RigidBody
	rigid, err := Align(context.Background(), group, rigidOpts)
	require.NoError(t, err)
	assert.Greater(t, rigid.FinalDisparity, 1e-3)
	for _, s := range rigid.Shapes {
		assert.InDelta(t, 1, s.Transform.Scale, 1e-9)
	}

	sim, err := Align(context.Background(), group, DefaultOptions())
	require.NoError(t, err)
	assert.Less(t, sim.FinalDisparity, 1e-12)

	small, _ := sim.Shape("small")
	large, _ := sim.Shape("large")
	assert.InDelta(t, k, small.Transform.Scale/large.Transform.Scale, 1e-9)
}

func TestAlignCardinalityGuard(t *testing.T) {
	group := Group{
		{ID: "a", Points: tetraCloud()},
		{ID: "b", Points: tetraCloud()},
		{ID: "short", Points: tetraCloud()[:5]},
	}

	res, err := Align(context.Background(), group, DefaultOptions())
	require.Error(t, err)
	assert.Nil(t, res)

	var mismatch *ShapeMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, "short", mismatch.ShapeID)
	assert.Equal(t, 6, mismatch.Want)
	assert.Equal(t, 5, mismatch.Got)
}

func TestAlignRejectsBadGroups(t *testing.T) {
	_, err := Align(context.Background(), nil, DefaultOptions())
	assert.ErrorIs(t, err, ErrEmptyGroup)

	dup := Group{{ID: "x", Points: tetraCloud()}, {ID: "x", Points: tetraCloud()}}
	_, err = Align(context.Background(), dup, DefaultOptions())
	assert.ErrorIs(t, err, ErrDuplicateShapeID)

	nan := Group{{ID: "ok", Points: tetraCloud()}, {ID: "nan", Points: []r3.Vector{{X: math.Inf(1)}, {}, {}, {}, {}, {}}}}
	_, err = Align(context.Background(), nan, DefaultOptions())
	var degenerate *DegenerateInputError
	require.True(t, errors.As(err, &degenerate))
	assert.Equal(t, "nan", degenerate.ShapeID)
}

func TestAlignDegenerateShapeAbortsRun(t *testing.T) {
	line := []r3.Vector{{X: 0}, {X: 1}, {X: 2}, {X: 3}, {X: 4}, {X: 5}}
	group := Group{
		{ID: "good", Points: tetraCloud(), IsReference: true},
		{ID: "also-good", Points: moved(tetraCloud(), 5, 5, 1, r3.Vector{})},
		{ID: "flat-line", Points: line},
	}

	for _, workers := range []int{1, 4} {
		opts := DefaultOptions()
		opts.Workers = workers
		res, err := Align(context.Background(), group, opts)
		assert.Nil(t, res)

		var degenerate *DegenerateInputError
		require.True(t, errors.As(err, &degenerate), "workers=%d: %v", workers, err)
		assert.Equal(t, "flat-line", degenerate.ShapeID)
	}
}

func TestAlignSingleShape(t *testing.T) {
	pts := moved(tetraCloud(), 10, 10, 3, r3.Vector{X: 100})
	res, err := Align(context.Background(), Group{{ID: "only", Points: pts}}, DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, 0, res.Iterations)
	assert.Equal(t, 0.0, res.FinalDisparity)
	assert.True(t, res.Converged)
	assert.Equal(t, StopSingleShape, res.StopReason)
	require.Len(t, res.Shapes, 1)
	assert.Equal(t, pts, res.Shapes[0].Aligned)
	assert.True(t, mat4Equal(res.Shapes[0].Matrix, mgl64.Ident4(), 0))
}

func TestAlignCancelledBeforeFirstIteration(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	group := noisyGroup(1, 4)
	res, err := Align(ctx, group, DefaultOptions())
	require.NoError(t, err)

	assert.False(t, res.Converged)
	assert.Equal(t, StopCancelled, res.StopReason)
	assert.Equal(t, 0, res.Iterations)
	require.Len(t, res.Shapes, len(group))
	for i, s := range res.Shapes {
		assert.Equal(t, group[i].Points, s.Aligned)
		assert.Equal(t, 1.0, s.Transform.Scale)
	}
	assert.InDelta(t, res.Disparities[0], res.FinalDisparity, 1e-12)
}

func TestAlignIterationCap(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxIterations = 1
	opts.Tolerance = 1e-15

	res, err := Align(context.Background(), noisyGroup(9, 6), opts)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Iterations)
	assert.False(t, res.Converged)
	assert.Equal(t, StopMaxIterations, res.StopReason)
}

func TestAlignSerialMatchesParallel(t *testing.T) {
	group := noisyGroup(11, 12)

	serial := DefaultOptions()
	serial.Workers = 1
	parallel := DefaultOptions()
	parallel.Workers = 4

	a, err := Align(context.Background(), group, serial)
	require.NoError(t, err)
	b, err := Align(context.Background(), group, parallel)
	require.NoError(t, err)

	assert.Equal(t, a.Iterations, b.Iterations)
	assert.Equal(t, a.FinalDisparity, b.FinalDisparity)
	assert.True(t, pointsEqual(a.MeanShape, b.MeanShape, 0))
}

func TestAlignReferenceOnlySeedsTheMean(t *testing.T) {
	opts := DefaultOptions()
	opts.Tolerance = 1e-14
	opts.MaxIterations = 500

	first := noisyGroup(5, 5)
	res1, err := Align(context.Background(), first, opts)
	require.NoError(t, err)

	second := noisyGroup(5, 5)
	second[3].IsReference = true
	res2, err := Align(context.Background(), second, opts)
	require.NoError(t, err)

	assert.InDelta(t, res1.FinalDisparity, res2.FinalDisparity, 1e-8*res1.FinalDisparity)
	for i := range res1.Shapes {
		assert.Equal(t, first[i].ID, res1.Shapes[i].ID)
		assert.Equal(t, second[i].ID, res2.Shapes[i].ID)
		assert.InDelta(t, res1.Shapes[i].Residual, res2.Shapes[i].Residual, 1e-6)
	}
}

func TestAlignRecordedTransformsReproduceAlignedPoints(t *testing.T) {
	for _, mode := range []Mode{RigidBody, Similarity} {
		opts := DefaultOptions()
		opts.Mode = mode
		group := noisyGroup(21, 5)

		res, err := Align(context.Background(), group, opts)
		require.NoError(t, err)
		for i, s := range res.Shapes {
			for j, p := range group[i].Points {
				got := ApplyMatrix(s.Matrix, p)
				assert.InDelta(t, 0, got.Sub(s.Aligned[j]).Norm(), 1e-9, "%s/%s landmark %d", mode, s.ID, j)
			}
			assert.InDelta(t, 1, s.Transform.Rotation.Det(), 1e-9)
		}
	}
}

func TestAlignInvalidOptions(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{name: "zero iterations", mutate: func(o *Options) { o.MaxIterations = 0 }},
		{name: "negative tolerance", mutate: func(o *Options) { o.Tolerance = -1 }},
		{name: "NaN tolerance", mutate: func(o *Options) { o.Tolerance = math.NaN() }},
		{name: "bad mode", mutate: func(o *Options) { o.Mode = Mode(3) }},
		{name: "negative workers", mutate: func(o *Options) { o.Workers = -2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.mutate(&opts)
			_, err := Align(context.Background(), squaresGroup(), opts)
			assert.ErrorIs(t, err, ErrInvalidOptions)
		})
	}
}

func TestAlignInitialMeanMismatch(t *testing.T) {
	opts := DefaultOptions()
	opts.InitialMean = unitSquare()[:3]

	_, err := Align(context.Background(), squaresGroup(), opts)
	var mismatch *ShapeMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, "initial mean", mismatch.ShapeID)
}
