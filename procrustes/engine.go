package procrustes

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"github.com/golang/geo/r3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// disparityFloor, scaled by the group's squared reference size, is the
// disparity treated as an exact fit. Relative decreases below it are noise.
const disparityFloor = 1e-20

// Options configures Align.
type Options struct {
	Mode          Mode
	MaxIterations int     // Upper bound on align/mean rounds
	Tolerance     float64 // Stop once the relative disparity decrease is below this
	// Workers bounds the per-shape fan-out. Zero means GOMAXPROCS, one runs
	// every solve on the calling goroutine.
	Workers int
	// InitialMean warm-starts the run from a known mean shape instead of the
	// reference shape. It is centered and rescaled like any seed.
	InitialMean []r3.Vector
	Logger      *zap.SugaredLogger
}

// DefaultOptions returns similarity alignment with 50 iterations and a 1e-6
// relative tolerance.
func DefaultOptions() Options {
	return Options{
		Mode:          Similarity,
		MaxIterations: 50,
		Tolerance:     1e-6,
	}
}

// Validate reports unusable option values.
func (o Options) Validate() error {
	if o.Mode != RigidBody && o.Mode != Similarity {
		return fmt.Errorf("%w: unknown mode %d", ErrInvalidOptions, int(o.Mode))
	}
	if o.MaxIterations <= 0 {
		return fmt.Errorf("%w: maxIterations must be positive, got %d", ErrInvalidOptions, o.MaxIterations)
	}
	if !(o.Tolerance > 0) || math.IsInf(o.Tolerance, 0) {
		return fmt.Errorf("%w: tolerance must be positive, got %g", ErrInvalidOptions, o.Tolerance)
	}
	if o.Workers < 0 {
		return fmt.Errorf("%w: workers must not be negative, got %d", ErrInvalidOptions, o.Workers)
	}
	return nil
}

// Align superimposes every shape of group onto a common mean shape.
//
// Each iteration aligns all shapes from their original coordinates to the
// current mean, then replaces the mean with the centered, renormalized
// average of the aligned shapes. Iteration stops when the relative disparity
// decrease drops below opts.Tolerance, after opts.MaxIterations, or when ctx
// is done. Cancellation is checked between iterations only and is not an
// error: the best result so far comes back with Converged unset.
//
// Validation failures and degenerate landmarks abort the whole run.
func Align(ctx context.Context, group Group, opts Options) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	n, err := validateGroup(group)
	if err != nil {
		return nil, err
	}

	if len(group) == 1 {
		return singleShapeResult(opts.Mode, group[0]), nil
	}

	refNorm := referenceNorm(group, opts.Mode)
	seedID := group[group.Reference()].ID
	seed := group[group.Reference()].Points
	if opts.InitialMean != nil {
		if len(opts.InitialMean) != n {
			return nil, &ShapeMismatchError{ShapeID: "initial mean", Want: n, Got: len(opts.InitialMean)}
		}
		seedID, seed = "initial mean", opts.InitialMean
	}
	mean, err := normalize(seed, refNorm)
	if err != nil {
		return nil, tagShape(err, seedID)
	}

	aligned := make([][]r3.Vector, len(group))
	for i, s := range group {
		aligned[i] = append([]r3.Vector(nil), s.Points...)
	}
	prev := totalDisparity(aligned, mean)
	floor := disparityFloor * refNorm * refNorm * float64(len(group))
	res := &Result{
		Mode:        opts.Mode,
		Disparities: []float64{prev},
		StopReason:  StopMaxIterations,
	}
	logger.Debugf("procrustes: %d shapes x %d landmarks, mode=%s, initial disparity %.6g",
		len(group), n, opts.Mode, prev)

	for iter := 1; iter <= opts.MaxIterations; iter++ {
		if ctx.Err() != nil {
			logger.Debugf("procrustes: cancelled before iteration %d", iter)
			res.StopReason = StopCancelled
			break
		}

		next, err := alignAll(group, mean, opts)
		if err != nil {
			return nil, err
		}
		newMean, err := averageShape(next, refNorm)
		if err != nil {
			return nil, err
		}
		cur := totalDisparity(next, newMean)

		aligned = next
		mean = newMean
		res.Iterations = iter
		res.Disparities = append(res.Disparities, cur)
		logger.Debugf("procrustes: iteration %d disparity %.6g", iter, cur)

		if cur > prev*(1+1e-9)+floor {
			logger.Warnf("procrustes: disparity increased from %.9g to %.9g at iteration %d", prev, cur, iter)
		}
		if cur <= floor || prev == 0 || (prev-cur)/prev < opts.Tolerance {
			res.Converged = true
			res.StopReason = StopConverged
			break
		}
		prev = cur
	}

	res.MeanShape = mean
	res.FinalDisparity = totalDisparity(aligned, mean)
	res.Shapes = make([]ShapeResult, len(group))
	for i, s := range group {
		sr, err := record(s, aligned[i], mean, opts.Mode, res.Iterations)
		if err != nil {
			return nil, err
		}
		res.Shapes[i] = sr
	}
	if !res.Converged {
		logger.Debugf("procrustes: stopped without converging (%s) after %d iterations", res.StopReason, res.Iterations)
	}
	return res, nil
}

// alignAll solves every shape against the frozen mean. Each goroutine writes
// only its own slot; Wait is the barrier before the mean is recomputed.
func alignAll(group Group, mean []r3.Vector, opts Options) ([][]r3.Vector, error) {
	out := make([][]r3.Vector, len(group))
	solveOne := func(i int) error {
		t, err := Solve(group[i].Points, mean, opts.Mode)
		if err != nil {
			return tagShape(err, group[i].ID)
		}
		out[i] = t.ApplyAll(group[i].Points)
		return nil
	}

	workers := opts.Workers
	if workers == 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers == 1 {
		for i := range group {
			if err := solveOne(i); err != nil {
				return nil, err
			}
		}
		return out, nil
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for i := range group {
		g.Go(func() error { return solveOne(i) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func validateGroup(group Group) (int, error) {
	if len(group) == 0 {
		return 0, ErrEmptyGroup
	}
	n := len(group[0].Points)
	seen := make(map[string]struct{}, len(group))
	for _, s := range group {
		if _, dup := seen[s.ID]; dup {
			return 0, fmt.Errorf("%w: %q", ErrDuplicateShapeID, s.ID)
		}
		seen[s.ID] = struct{}{}
		if len(s.Points) != n {
			return 0, &ShapeMismatchError{ShapeID: s.ID, Want: n, Got: len(s.Points)}
		}
	}
	for _, s := range group {
		if !allFinite(s.Points) {
			return 0, &DegenerateInputError{ShapeID: s.ID, Reason: "non-finite coordinate"}
		}
	}
	return n, nil
}

// referenceNorm is the fixed size the mean is held at. Similarity runs use
// unit size; rigid runs cannot rescale shapes, so the mean keeps the average
// size of the inputs.
func referenceNorm(group Group, mode Mode) float64 {
	if mode == Similarity {
		return 1
	}
	var sum float64
	for _, s := range group {
		sum += Norm(s.Points)
	}
	return sum / float64(len(group))
}

// normalize centers points and scales them to norm.
func normalize(points []r3.Vector, norm float64) ([]r3.Vector, error) {
	centered := Center(points)
	size := Norm(centered)
	if size == 0 || !finite(size) {
		return nil, &DegenerateInputError{Reason: "mean shape collapsed to a point"}
	}
	k := norm / size
	for i := range centered {
		centered[i] = centered[i].Mul(k)
	}
	return centered, nil
}

func averageShape(shapes [][]r3.Vector, norm float64) ([]r3.Vector, error) {
	avg := make([]r3.Vector, len(shapes[0]))
	for _, s := range shapes {
		for j, p := range s {
			avg[j] = avg[j].Add(p)
		}
	}
	k := 1 / float64(len(shapes))
	for j := range avg {
		avg[j] = avg[j].Mul(k)
	}
	return normalize(avg, norm)
}

func totalDisparity(shapes [][]r3.Vector, mean []r3.Vector) float64 {
	var sum float64
	for _, s := range shapes {
		sum += Disparity(s, mean)
	}
	return sum
}

// record derives the final transform for one shape. Before the first
// iteration the shape is still in its input pose, so the transform is the
// identity.
func record(s Shape, aligned, mean []r3.Vector, mode Mode, iterations int) (ShapeResult, error) {
	t := IdentityTransform()
	if iterations > 0 {
		var err error
		if _, t, err = Recover(s.Points, aligned, mode); err != nil {
			return ShapeResult{}, tagShape(err, s.ID)
		}
	}
	return ShapeResult{
		ID:        s.ID,
		Aligned:   aligned,
		Transform: t,
		Matrix:    t.Matrix(),
		Residual:  Disparity(aligned, mean),
	}, nil
}

func singleShapeResult(mode Mode, s Shape) *Result {
	points := append([]r3.Vector(nil), s.Points...)
	t := IdentityTransform()
	return &Result{
		Mode:        mode,
		MeanShape:   append([]r3.Vector(nil), s.Points...),
		Shapes:      []ShapeResult{{ID: s.ID, Aligned: points, Transform: t, Matrix: t.Matrix()}},
		Disparities: []float64{0},
		Converged:   true,
		StopReason:  StopSingleShape,
	}
}
