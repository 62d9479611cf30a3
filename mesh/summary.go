package mesh

import (
	"errors"
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
	"github.com/samber/lo"
)

// Summary holds residual statistics for a finished run.
type Summary struct {
	RunID          string  `json:"runId"`
	Shapes         int     `json:"shapes"`
	Landmarks      int     `json:"landmarks"`
	Iterations     int     `json:"iterations"`
	Converged      bool    `json:"converged"`
	FinalDisparity float64 `json:"finalDisparity"`
	RMSD           float64 `json:"rmsd"` // root mean squared landmark distance to the mean
	MeanResidual   float64 `json:"meanResidual"`
	MedianResidual float64 `json:"medianResidual"`
	StdDevResidual float64 `json:"stdDevResidual"`
	MaxResidual    float64 `json:"maxResidual"`
	WorstShape     string  `json:"worstShape"`
}

// Summarize computes residual statistics for a result.
func Summarize(doc *ResultDocument) (Summary, error) {
	if doc == nil || len(doc.Shapes) == 0 {
		return Summary{}, errors.New("result has no shapes")
	}

	residuals := stats.Float64Data(lo.Map(doc.Shapes, func(s ShapeDocument, _ int) float64 { return s.Residual }))

	sum := Summary{
		RunID:          doc.RunID,
		Shapes:         len(doc.Shapes),
		Landmarks:      len(doc.MeanShape),
		Iterations:     doc.Iterations,
		Converged:      doc.Converged,
		FinalDisparity: doc.FinalDisparity,
	}

	var err error
	if sum.MeanResidual, err = residuals.Mean(); err != nil {
		return Summary{}, fmt.Errorf("mean residual: %w", err)
	}
	if sum.MedianResidual, err = residuals.Median(); err != nil {
		return Summary{}, fmt.Errorf("median residual: %w", err)
	}
	if sum.StdDevResidual, err = residuals.StandardDeviation(); err != nil {
		return Summary{}, fmt.Errorf("residual deviation: %w", err)
	}
	if sum.MaxResidual, err = residuals.Max(); err != nil {
		return Summary{}, fmt.Errorf("max residual: %w", err)
	}

	worst := lo.MaxBy(doc.Shapes, func(a, b ShapeDocument) bool { return a.Residual > b.Residual })
	sum.WorstShape = worst.ID

	if n := sum.Shapes * sum.Landmarks; n > 0 {
		sum.RMSD = math.Sqrt(sum.FinalDisparity / float64(n))
	}
	return sum, nil
}
