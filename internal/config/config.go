// Package config loads the per-project daemon configuration from
// .iterate/config.json or .iterate/config.yaml.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DirName is the project-local directory holding config, worktrees and
// daemon runtime files.
const DirName = ".iterate"

const (
	DefaultDevCommand     = "npm run dev"
	DefaultPackageManager = "npm"
	DefaultBasePort       = 3100
	DefaultDaemonPort     = 4000
	DefaultMaxIterations  = 10
	DefaultStartupTimeout = 60 * time.Second
)

// Config is read once at daemon startup and never written by the daemon.
type Config struct {
	DevCommand     string   `json:"devCommand" yaml:"devCommand"`
	PackageManager string   `json:"packageManager" yaml:"packageManager"`
	BasePort       int      `json:"basePort" yaml:"basePort"`
	DaemonPort     int      `json:"daemonPort" yaml:"daemonPort"`
	MaxIterations  int      `json:"maxIterations" yaml:"maxIterations"`
	IdleTimeout    Duration `json:"idleTimeout" yaml:"idleTimeout"`
	StartupTimeout Duration `json:"startupTimeout" yaml:"startupTimeout"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		DevCommand:     DefaultDevCommand,
		PackageManager: DefaultPackageManager,
		BasePort:       DefaultBasePort,
		DaemonPort:     DefaultDaemonPort,
		MaxIterations:  DefaultMaxIterations,
		StartupTimeout: Duration(DefaultStartupTimeout),
	}
}

// Dir returns <projectRoot>/.iterate.
func Dir(projectRoot string) string {
	return filepath.Join(projectRoot, DirName)
}

// EnsureDir creates <projectRoot>/.iterate if needed and returns it.
func EnsureDir(projectRoot string) (string, error) {
	dir := Dir(projectRoot)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	return dir, nil
}

// Load reads the project config. config.json wins over config.yaml; a
// missing file yields Default(). Zero-valued fields fall back to defaults.
func Load(projectRoot string) (Config, error) {
	cfg := Default()
	base := filepath.Join(projectRoot, DirName)

	candidates := []struct {
		name      string
		unmarshal func([]byte, any) error
	}{
		{"config.json", json.Unmarshal},
		{"config.yaml", yaml.Unmarshal},
		{"config.yml", yaml.Unmarshal},
	}
	for _, c := range candidates {
		path := filepath.Join(base, c.name)
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return Config{}, fmt.Errorf("reading %s: %w", path, err)
		}
		var fileCfg Config
		if err := c.unmarshal(data, &fileCfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
		cfg = merge(cfg, fileCfg)
		break
	}
	return cfg, nil
}

func merge(base, override Config) Config {
	if s := strings.TrimSpace(override.DevCommand); s != "" {
		base.DevCommand = s
	}
	if s := strings.TrimSpace(override.PackageManager); s != "" {
		base.PackageManager = s
	}
	if override.BasePort > 0 {
		base.BasePort = override.BasePort
	}
	if override.DaemonPort > 0 {
		base.DaemonPort = override.DaemonPort
	}
	if override.MaxIterations > 0 {
		base.MaxIterations = override.MaxIterations
	}
	if override.IdleTimeout > 0 {
		base.IdleTimeout = override.IdleTimeout
	}
	if override.StartupTimeout > 0 {
		base.StartupTimeout = override.StartupTimeout
	}
	return base
}

// Duration accepts "90s"/"5m" strings or plain millisecond numbers.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(time.Duration(v) * time.Millisecond)
		return nil
	case string:
		return d.parse(v)
	case nil:
		*d = 0
		return nil
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var ms int64
	if err := value.Decode(&ms); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration at line %d: %w", value.Line, err)
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}
