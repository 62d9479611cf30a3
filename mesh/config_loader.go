package mesh

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kwv/gpamesh/procrustes"
)

// Defaults applied before the YAML file is decoded.
const (
	DefaultPattern       = "*.vtk"
	DefaultResultFile    = "alignment-result.json"
	DefaultPublishPrefix = "gpamesh"
	DefaultHTTPPort      = 8080
)

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	opts := procrustes.DefaultOptions()
	return &Config{
		Alignment: AlignmentConfig{
			Mode:          opts.Mode.String(),
			MaxIterations: opts.MaxIterations,
			Tolerance:     opts.Tolerance,
		},
		Input:  InputConfig{Dir: ".", Pattern: DefaultPattern},
		Output: OutputConfig{Dir: "aligned", WriteTransforms: true, ResultFile: DefaultResultFile},
		MQTT:   MQTTConfig{PublishPrefix: DefaultPublishPrefix, ClientID: "gpamesh"},
		HTTP:   HTTPConfig{Port: DefaultHTTPPort},
	}
}

// LoadConfig loads the configuration from a YAML file on top of DefaultConfig
// and applies MQTT_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// ApplyEnv overrides MQTT settings from MQTT_BROKER, MQTT_CLIENT_ID,
// MQTT_USERNAME, MQTT_PASSWORD and MQTT_PUBLISH_PREFIX when set.
func (c *Config) ApplyEnv() {
	overrides := []struct {
		env    string
		target *string
	}{
		{"MQTT_BROKER", &c.MQTT.Broker},
		{"MQTT_CLIENT_ID", &c.MQTT.ClientID},
		{"MQTT_USERNAME", &c.MQTT.Username},
		{"MQTT_PASSWORD", &c.MQTT.Password},
		{"MQTT_PUBLISH_PREFIX", &c.MQTT.PublishPrefix},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.target = v
		}
	}
}

// Validate checks the fields every command relies on.
func (c *Config) Validate() error {
	if _, err := c.Alignment.Options(); err != nil {
		return fmt.Errorf("alignment: %w", err)
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", c.HTTP.Port)
	}
	if c.MQTT.Broker != "" && c.MQTT.PublishPrefix == "" {
		return fmt.Errorf("mqtt.publishPrefix is required when mqtt.broker is set")
	}
	return nil
}

// Options converts the alignment section into solver options.
func (a AlignmentConfig) Options() (procrustes.Options, error) {
	mode, err := procrustes.ParseMode(a.Mode)
	if err != nil {
		return procrustes.Options{}, err
	}
	opts := procrustes.Options{
		Mode:          mode,
		MaxIterations: a.MaxIterations,
		Tolerance:     a.Tolerance,
		Workers:       a.Workers,
	}
	if err := opts.Validate(); err != nil {
		return procrustes.Options{}, err
	}
	return opts, nil
}
