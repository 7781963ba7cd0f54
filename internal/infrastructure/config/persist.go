package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Overrides are the few settings in-band commands may change
// process-wide. They survive restarts through a small YAML file merged at
// config-file priority, so environment variables still win.
type Overrides struct {
	DefaultBackend string `yaml:"default_backend,omitempty"`
	CommandPrefix  string `yaml:"command_prefix,omitempty"`
	Redaction      *bool  `yaml:"redaction,omitempty"`
}

// LoadOverrides reads the overrides file; a missing file is an empty set.
func LoadOverrides(path string) (Overrides, error) {
	var o Overrides
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return o, nil
		}
		return o, fmt.Errorf("read overrides: %w", err)
	}
	if err := yaml.Unmarshal(data, &o); err != nil {
		return Overrides{}, fmt.Errorf("parse overrides: %w", err)
	}
	return o, nil
}

// SaveOverrides writes the overrides atomically (temp file + rename).
func SaveOverrides(path string, o Overrides) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create overrides dir: %w", err)
	}
	data, err := yaml.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal overrides: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write overrides: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace overrides: %w", err)
	}
	return nil
}

// mergeOverrides layers the saved overrides into viper below the
// environment. Unreadable overrides are ignored; they must never block
// startup.
func mergeOverrides(v *viper.Viper, path string) {
	o, err := LoadOverrides(path)
	if err != nil {
		return
	}
	proxy := map[string]any{}
	if o.DefaultBackend != "" {
		proxy["default_backend"] = o.DefaultBackend
	}
	if o.CommandPrefix != "" {
		proxy["command_prefix"] = o.CommandPrefix
	}
	if o.Redaction != nil {
		proxy["redaction"] = *o.Redaction
	}
	if len(proxy) > 0 {
		_ = v.MergeConfigMap(map[string]any{"proxy": proxy})
	}
}
