package mesh

import (
	"github.com/golang/geo/r3"
)

// PolyData is a legacy ASCII VTK dataset reduced to what alignment needs:
// the point coordinates. Every other section is carried through verbatim so
// an aligned file keeps its original topology.
type PolyData struct {
	Version   string   // "# vtk DataFile Version 3.0"
	Title     string   // free-form second line
	Dataset   string   // "POLYDATA", "UNSTRUCTURED_GRID", ...
	Preamble  []string // lines between DATASET and POINTS
	PointType string   // "float" or "double"
	Points    []r3.Vector
	Trailer   []string // everything after the point block
}

// Clone returns a copy whose point slice can be replaced independently.
func (pd *PolyData) Clone() *PolyData {
	c := *pd
	c.Preamble = append([]string(nil), pd.Preamble...)
	c.Points = append([]r3.Vector(nil), pd.Points...)
	c.Trailer = append([]string(nil), pd.Trailer...)
	return &c
}

// ShapeSource remembers where a loaded shape came from so the exporter can
// write results next to the same kind of file.
type ShapeSource struct {
	ID       string
	Path     string
	PolyData *PolyData // nil for landmark JSON files
}

// AlignmentConfig holds solver settings.
type AlignmentConfig struct {
	Mode          string  `yaml:"mode" json:"mode"`                   // "rigid" or "similarity"
	MaxIterations int     `yaml:"maxIterations" json:"maxIterations"` // default 50
	Tolerance     float64 `yaml:"tolerance" json:"tolerance"`         // relative disparity decrease, default 1e-6
	Workers       int     `yaml:"workers,omitempty" json:"workers,omitempty"`
}

// InputConfig describes where shapes are loaded from.
type InputConfig struct {
	Dir       string `yaml:"dir" json:"dir"`
	Pattern   string `yaml:"pattern,omitempty" json:"pattern,omitempty"`     // glob, comma separated; default "*.vtk"
	Reference string `yaml:"reference,omitempty" json:"reference,omitempty"` // file name of the reference shape
}

// OutputConfig describes what the exporter writes.
type OutputConfig struct {
	Dir             string `yaml:"dir" json:"dir"`
	WriteTransforms bool   `yaml:"writeTransforms" json:"writeTransforms"`
	WriteGeoJSON    bool   `yaml:"writeGeoJSON,omitempty" json:"writeGeoJSON,omitempty"`
	ResultFile      string `yaml:"resultFile,omitempty" json:"resultFile,omitempty"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// HTTPConfig holds HTTP server settings
type HTTPConfig struct {
	Port int `yaml:"port" json:"port"`
}

// Config represents the full configuration file
type Config struct {
	Alignment AlignmentConfig `yaml:"alignment" json:"alignment"`
	Input     InputConfig     `yaml:"input" json:"input"`
	Output    OutputConfig    `yaml:"output" json:"output"`
	MQTT      MQTTConfig      `yaml:"mqtt" json:"mqtt"`
	HTTP      HTTPConfig      `yaml:"http" json:"http"`
}
