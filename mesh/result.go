package mesh

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"

	"github.com/kwv/gpamesh/procrustes"
)

// ShapeDocument is the serialized form of one aligned shape.
type ShapeDocument struct {
	ID            string       `json:"id"`
	AlignedPoints [][3]float64 `json:"alignedPoints"`
	Matrix        [16]float64  `json:"matrix"` // row-major 4x4
	Scale         float64      `json:"scale"`
	Residual      float64      `json:"residual"`
}

// ResultDocument is the JSON document written after a run and served over
// HTTP and MQTT.
type ResultDocument struct {
	RunID          string          `json:"runId"`
	CreatedAt      time.Time       `json:"createdAt"`
	Mode           string          `json:"mode"`
	MeanShape      [][3]float64    `json:"meanShape"`
	Shapes         []ShapeDocument `json:"shapes"`
	Iterations     int             `json:"iterations"`
	FinalDisparity float64         `json:"finalDisparity"`
	Disparities    []float64       `json:"disparities"`
	Converged      bool            `json:"convergedWithinTolerance"`
	StopReason     string          `json:"stopReason"`
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// NewResultDocument converts an engine result. An empty runID gets a new one.
func NewResultDocument(runID string, res *procrustes.Result) *ResultDocument {
	if runID == "" {
		runID = NewRunID()
	}
	doc := &ResultDocument{
		RunID:          runID,
		CreatedAt:      time.Now().UTC(),
		Mode:           res.Mode.String(),
		MeanShape:      toTriples(res.MeanShape),
		Shapes:         make([]ShapeDocument, len(res.Shapes)),
		Iterations:     res.Iterations,
		FinalDisparity: res.FinalDisparity,
		Disparities:    append([]float64(nil), res.Disparities...),
		Converged:      res.Converged,
		StopReason:     res.StopReason.String(),
	}
	for i, s := range res.Shapes {
		doc.Shapes[i] = ShapeDocument{
			ID:            s.ID,
			AlignedPoints: toTriples(s.Aligned),
			Matrix:        rowMajor(s.Matrix),
			Scale:         s.Transform.Scale,
			Residual:      s.Residual,
		}
	}
	return doc
}

// Shape looks up a shape by ID.
func (d *ResultDocument) Shape(id string) (ShapeDocument, bool) {
	for _, s := range d.Shapes {
		if s.ID == id {
			return s, true
		}
	}
	return ShapeDocument{}, false
}

// Mat4 returns the shape's transform as a matrix.
func (s ShapeDocument) Mat4() mgl64.Mat4 {
	var m mgl64.Mat4
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			m.Set(r, c, s.Matrix[r*4+c])
		}
	}
	return m
}

func rowMajor(m mgl64.Mat4) [16]float64 {
	var out [16]float64
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			out[r*4+c] = m.At(r, c)
		}
	}
	return out
}

// LoadResult loads a result document. A missing file returns nil, nil.
func LoadResult(path string) (*ResultDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading result file: %w", err)
	}

	var doc ResultDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing result file: %w", err)
	}

	return &doc, nil
}

// SaveResult writes a result document as indented JSON, creating the
// directory if needed.
func SaveResult(path string, doc *ResultDocument) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating result directory: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing result file: %w", err)
	}

	return nil
}
