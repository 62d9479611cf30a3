package mesh

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
)

var (
	// ErrNotVTK is returned when the first line is not a VTK header.
	ErrNotVTK = errors.New("not a legacy VTK file")
	// ErrBinaryVTK is returned for BINARY encoded files.
	ErrBinaryVTK = errors.New("binary VTK files are not supported")
	// ErrNoPoints is returned when a file has no POINTS section.
	ErrNoPoints = errors.New("no POINTS section")
)

// ReadVTKFile reads a legacy ASCII VTK file from disk.
func ReadVTKFile(path string) (*PolyData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	pd, err := ReadVTK(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pd, nil
}

// ReadVTK parses a legacy ASCII VTK stream. Only the POINTS block is
// interpreted; the rest of the file is kept line by line.
func ReadVTK(r io.Reader) (*PolyData, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var lines []string
	for sc.Scan() {
		lines = append(lines, strings.TrimRight(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading VTK: %w", err)
	}
	if len(lines) < 4 || !strings.HasPrefix(lines[0], "# vtk DataFile") {
		return nil, ErrNotVTK
	}

	pd := &PolyData{Version: lines[0], Title: lines[1]}
	switch strings.ToUpper(strings.TrimSpace(lines[2])) {
	case "ASCII":
	case "BINARY":
		return nil, ErrBinaryVTK
	default:
		return nil, fmt.Errorf("unknown encoding %q", lines[2])
	}

	dataset := strings.Fields(lines[3])
	if len(dataset) != 2 || strings.ToUpper(dataset[0]) != "DATASET" {
		return nil, fmt.Errorf("expected DATASET line, got %q", lines[3])
	}
	pd.Dataset = dataset[1]

	i := 4
	for ; i < len(lines); i++ {
		fields := strings.Fields(lines[i])
		if len(fields) > 0 && strings.ToUpper(fields[0]) == "POINTS" {
			break
		}
		pd.Preamble = append(pd.Preamble, lines[i])
	}
	if i == len(lines) {
		return nil, ErrNoPoints
	}

	header := strings.Fields(lines[i])
	if len(header) != 3 {
		return nil, fmt.Errorf("malformed POINTS line %q", lines[i])
	}
	n, err := strconv.Atoi(header[1])
	if err != nil || n < 0 {
		return nil, fmt.Errorf("invalid point count %q", header[1])
	}
	pd.PointType = header[2]
	i++

	coords := make([]float64, 0, 3*n)
	for ; i < len(lines) && len(coords) < 3*n; i++ {
		for _, tok := range strings.Fields(lines[i]) {
			if len(coords) == 3*n {
				return nil, fmt.Errorf("line %d: trailing values after %d points", i+1, n)
			}
			v, err := strconv.ParseFloat(tok, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", i+1, err)
			}
			coords = append(coords, v)
		}
	}
	if len(coords) != 3*n {
		return nil, fmt.Errorf("expected %d coordinates, found %d", 3*n, len(coords))
	}

	pd.Points = make([]r3.Vector, n)
	for k := range pd.Points {
		pd.Points[k] = r3.Vector{X: coords[3*k], Y: coords[3*k+1], Z: coords[3*k+2]}
	}
	pd.Trailer = append(pd.Trailer, lines[i:]...)
	return pd, nil
}

// landmarkFile accepts two layouts: a plain {"points": [[x,y,z], ...]} list
// and the markups layout written by 3D Slicer.
type landmarkFile struct {
	Points  [][3]float64 `json:"points"`
	Markups []struct {
		ControlPoints []struct {
			Position [3]float64 `json:"position"`
		} `json:"controlPoints"`
	} `json:"markups"`
}

// ParseLandmarkFile reads a landmark JSON file from disk.
func ParseLandmarkFile(path string) ([]r3.Vector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	points, err := ParseLandmarkJSON(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return points, nil
}

// ParseLandmarkJSON parses landmark JSON data
func ParseLandmarkJSON(data []byte) ([]r3.Vector, error) {
	var lf landmarkFile
	if err := json.Unmarshal(data, &lf); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}

	if len(lf.Points) > 0 {
		return fromTriples(lf.Points), nil
	}
	var points []r3.Vector
	for _, m := range lf.Markups {
		for _, cp := range m.ControlPoints {
			points = append(points, r3.Vector{X: cp.Position[0], Y: cp.Position[1], Z: cp.Position[2]})
		}
	}
	if len(points) == 0 {
		return nil, ErrNoPoints
	}
	return points, nil
}

func toTriples(points []r3.Vector) [][3]float64 {
	out := make([][3]float64, len(points))
	for i, p := range points {
		out[i] = [3]float64{p.X, p.Y, p.Z}
	}
	return out
}

func fromTriples(triples [][3]float64) []r3.Vector {
	out := make([]r3.Vector, len(triples))
	for i, t := range triples {
		out[i] = r3.Vector{X: t[0], Y: t[1], Z: t[2]}
	}
	return out
}
