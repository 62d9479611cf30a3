package mesh

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"github.com/samber/lo"
	"go.uber.org/multierr"
)

// MeanShapeName is the file stem used for the exported mean shape.
const MeanShapeName = "mean_shape"

// WriteVTK writes pd with its points replaced by points. Nil points keeps
// the original coordinates.
func WriteVTK(w io.Writer, pd *PolyData, points []r3.Vector) error {
	if points == nil {
		points = pd.Points
	}
	if len(points) != len(pd.Points) {
		return fmt.Errorf("point count %d does not match dataset with %d points", len(points), len(pd.Points))
	}

	pointType := pd.PointType
	if pointType == "" {
		pointType = "double"
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, pd.Version)
	fmt.Fprintln(bw, pd.Title)
	fmt.Fprintln(bw, "ASCII")
	fmt.Fprintf(bw, "DATASET %s\n", pd.Dataset)
	for _, line := range pd.Preamble {
		fmt.Fprintln(bw, line)
	}
	fmt.Fprintf(bw, "POINTS %d %s\n", len(points), pointType)
	for _, p := range points {
		fmt.Fprintf(bw, "%s %s %s\n", formatFloat(p.X), formatFloat(p.Y), formatFloat(p.Z))
	}
	for _, line := range pd.Trailer {
		fmt.Fprintln(bw, line)
	}
	return bw.Flush()
}

// WriteLandmarkJSON writes points in the plain {"points": [...]} layout.
func WriteLandmarkJSON(w io.Writer, points []r3.Vector) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Points [][3]float64 `json:"points"`
	}{Points: toTriples(points)})
}

// WriteITKTransform writes m as an ITK affine transform text file. The
// upper 3x3 block goes out row by row followed by the translation.
func WriteITKTransform(w io.Writer, m mgl64.Mat4) error {
	params := make([]string, 0, 12)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			params = append(params, formatFloat(m.At(r, c)))
		}
	}
	for r := 0; r < 3; r++ {
		params = append(params, formatFloat(m.At(r, 3)))
	}

	_, err := fmt.Fprintf(w,
		"#Insight Transform File V1.0\n#Transform 0\nTransform: AffineTransform_double_3_3\nParameters: %s\nFixedParameters: 0 0 0\n",
		strings.Join(params, " "))
	return err
}

// ReadITKTransform parses a file written by WriteITKTransform.
func ReadITKTransform(r io.Reader) (mgl64.Mat4, error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "Parameters:") {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, "Parameters:"))
		if len(fields) != 12 {
			return mgl64.Mat4{}, fmt.Errorf("expected 12 parameters, got %d", len(fields))
		}
		vals := make([]float64, 12)
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return mgl64.Mat4{}, fmt.Errorf("parameter %d: %w", i, err)
			}
			vals[i] = v
		}
		m := mgl64.Ident4()
		for row := 0; row < 3; row++ {
			for c := 0; c < 3; c++ {
				m.Set(row, c, vals[row*3+c])
			}
			m.Set(row, 3, vals[9+row])
		}
		return m, nil
	}
	if err := sc.Err(); err != nil {
		return mgl64.Mat4{}, err
	}
	return mgl64.Mat4{}, fmt.Errorf("no Parameters line")
}

// ExportOptions selects the optional outputs of ExportResult.
type ExportOptions struct {
	Transforms bool
	GeoJSON    bool
	ResultFile string // relative to the output dir; empty skips the JSON document
}

// ExportResult writes aligned shapes, the mean shape and optional transform,
// GeoJSON and result files into dir. Shapes loaded from VTK are written as
// VTK with their original topology; the rest as landmark JSON. It keeps
// going after a failed file and returns every error combined.
func ExportResult(dir string, doc *ResultDocument, sources []ShapeSource, opts ExportOptions) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	byID := lo.KeyBy(sources, func(s ShapeSource) string { return s.ID })
	var written []string
	var errs error

	write := func(name string, fn func(io.Writer) error) {
		path := filepath.Join(dir, name)
		if err := writeFile(path, fn); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		written = append(written, path)
	}

	var template *PolyData
	for _, s := range doc.Shapes {
		points := fromTriples(s.AlignedPoints)
		stem := stemOf(s.ID)
		src := byID[s.ID]
		if src.PolyData != nil {
			if template == nil {
				template = src.PolyData
			}
			write(stem+"_aligned.vtk", func(w io.Writer) error { return WriteVTK(w, src.PolyData, points) })
		} else {
			write(stem+"_aligned.json", func(w io.Writer) error { return WriteLandmarkJSON(w, points) })
		}
		if opts.Transforms {
			m := s.Mat4()
			write(stem+".tfm", func(w io.Writer) error { return WriteITKTransform(w, m) })
		}
	}

	mean := fromTriples(doc.MeanShape)
	if template != nil {
		meanData := template.Clone()
		meanData.Title = "mean shape " + doc.RunID
		write(MeanShapeName+".vtk", func(w io.Writer) error { return WriteVTK(w, meanData, mean) })
	} else {
		write(MeanShapeName+".json", func(w io.Writer) error { return WriteLandmarkJSON(w, mean) })
	}

	if opts.GeoJSON {
		write("alignment.geojson", func(w io.Writer) error {
			data, err := ResultToFeatureCollection(doc).MarshalJSON()
			if err != nil {
				return err
			}
			_, err = w.Write(data)
			return err
		})
	}

	if opts.ResultFile != "" {
		path := filepath.Join(dir, opts.ResultFile)
		if err := SaveResult(path, doc); err != nil {
			errs = multierr.Append(errs, err)
		} else {
			written = append(written, path)
		}
	}

	return written, errs
}

func writeFile(path string, fn func(io.Writer) error) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, f.Close())
	}()
	return fn(f)
}

func stemOf(id string) string {
	base := filepath.Base(id)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
