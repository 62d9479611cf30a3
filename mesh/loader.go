package mesh

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/kwv/gpamesh/procrustes"
)

// ScanDir lists the files in dir matching any of the comma separated glob
// patterns, sorted by name. An empty pattern means DefaultPattern.
func ScanDir(dir, pattern string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("data directory is not valid: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("data directory is not valid: %s is not a directory", dir)
	}
	if strings.TrimSpace(pattern) == "" {
		pattern = DefaultPattern
	}

	var files []string
	for _, p := range strings.Split(pattern, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		matches, err := filepath.Glob(filepath.Join(dir, p))
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", p, err)
		}
		files = append(files, matches...)
	}
	files = lo.Uniq(files)
	sort.Strings(files)
	return files, nil
}

// LoadShape reads one shape file. VTK files keep their PolyData so the
// exporter can write the aligned points back with the original topology.
func LoadShape(path string) (procrustes.Shape, ShapeSource, error) {
	id := filepath.Base(path)
	src := ShapeSource{ID: id, Path: path}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".vtk":
		pd, err := ReadVTKFile(path)
		if err != nil {
			return procrustes.Shape{}, src, err
		}
		src.PolyData = pd
		return procrustes.Shape{ID: id, Points: pd.Points}, src, nil
	case ".json":
		points, err := ParseLandmarkFile(path)
		if err != nil {
			return procrustes.Shape{}, src, err
		}
		return procrustes.Shape{ID: id, Points: points}, src, nil
	default:
		return procrustes.Shape{}, src, fmt.Errorf("%s: unsupported file type", path)
	}
}

// LoadGroup loads every matching file in dir. When reference is non-empty
// the shape with that file name seeds the mean and must exist.
func LoadGroup(dir, pattern, reference string) (procrustes.Group, []ShapeSource, error) {
	files, err := ScanDir(dir, pattern)
	if err != nil {
		return nil, nil, err
	}
	if len(files) == 0 {
		return nil, nil, fmt.Errorf("no files matching %q in %s", pattern, dir)
	}

	group := make(procrustes.Group, 0, len(files))
	sources := make([]ShapeSource, 0, len(files))
	for _, path := range files {
		shape, src, err := LoadShape(path)
		if err != nil {
			return nil, nil, err
		}
		shape.IsReference = reference != "" && shape.ID == reference
		group = append(group, shape)
		sources = append(sources, src)
	}

	if reference != "" {
		if _, ok := lo.Find(group, func(s procrustes.Shape) bool { return s.IsReference }); !ok {
			return nil, nil, fmt.Errorf("reference shape %q not found in %s", reference, dir)
		}
	}
	return group, sources, nil
}
