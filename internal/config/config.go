package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models phylopack.yml.
type Config struct {
	Tools struct {
		Mash     string `yaml:"mash"`
		Attotree string `yaml:"attotree"`
		// Postprocess is an argv template; {tree}, {std}, {leaf} and {node}
		// are replaced with output paths.
		Postprocess []string `yaml:"postprocess"`
	} `yaml:"tools"`
	Defaults  Defaults `yaml:"defaults"`
	Workspace struct {
		UniqueDebugDir   bool   `yaml:"unique_debug_dir"`
		CleanupOnFailure bool   `yaml:"cleanup_on_failure"`
		TempRoot         string `yaml:"temp_root"`
	} `yaml:"workspace"`
	LogMarkers struct {
		TimestampLayout string   `yaml:"timestamp_layout"`
		Stages          []Marker `yaml:"stages"`
	} `yaml:"log_markers"`
	History struct {
		Disabled bool `yaml:"disabled"`
	} `yaml:"history"`
	Notify struct {
		Webhooks []Webhook `yaml:"webhooks"`
	} `yaml:"notify"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

// Defaults seed command flags.
type Defaults struct {
	CutPoint          float64 `yaml:"cut_point"`
	Kmer              int     `yaml:"kmer"`
	SketchReference   int     `yaml:"sketch_reference"`
	SketchPlacement   int     `yaml:"sketch_placement"`
	Threads           int     `yaml:"threads"`
	Method            string  `yaml:"method"`
	SplittingScheme   string  `yaml:"splitting_scheme"`
	StatisticFileType string  `yaml:"statistic_file_type"`
}

// Marker names a phase in the tree builder log.
type Marker struct {
	Name  string `yaml:"name"`
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// Webhook is a run event subscriber.
type Webhook struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from a state directory.
func Load(stateDir string) (*Config, error) {
	path := Path(stateDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with phylopack config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Tools.Mash == "" {
		return fmt.Errorf("config.tools.mash is required")
	}
	if c.Tools.Attotree == "" {
		return fmt.Errorf("config.tools.attotree is required")
	}
	if len(c.Tools.Postprocess) == 0 || c.Tools.Postprocess[0] == "" {
		return fmt.Errorf("config.tools.postprocess must name a program")
	}
	d := c.Defaults
	if d.CutPoint <= 0 {
		return fmt.Errorf("config.defaults.cut_point must be > 0")
	}
	if d.Kmer < 1 || d.SketchReference < 1 || d.SketchPlacement < 1 || d.Threads < 1 {
		return fmt.Errorf("config.defaults kmer, sketch sizes and threads must be >= 1")
	}
	switch d.Method {
	case "nj", "upgma":
	default:
		return fmt.Errorf("config.defaults.method must be nj or upgma, got %q", d.Method)
	}
	switch d.SplittingScheme {
	case "random", "nth-accession", "custom":
	default:
		return fmt.Errorf("config.defaults.splitting_scheme %q is not supported", d.SplittingScheme)
	}
	switch d.StatisticFileType {
	case "json", "csv":
	default:
		return fmt.Errorf("config.defaults.statistic_file_type must be json or csv, got %q", d.StatisticFileType)
	}
	for i, m := range c.LogMarkers.Stages {
		if m.Name == "" || m.Start == "" || m.End == "" {
			return fmt.Errorf("config.log_markers.stages[%d] needs name, start and end", i)
		}
	}
	for i, w := range c.Notify.Webhooks {
		if !strings.HasPrefix(w.URL, "http://") && !strings.HasPrefix(w.URL, "https://") {
			return fmt.Errorf("config.notify.webhooks[%d].url must be http(s)", i)
		}
		if w.TimeoutSeconds < 0 {
			return fmt.Errorf("config.notify.webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	if bp := c.Server.BasePath; bp != "" && !strings.HasPrefix(bp, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	return nil
}

// Path returns the config file path for a state directory.
func Path(stateDir string) string {
	if stateDir == "" {
		stateDir = "."
	}
	return filepath.Join(stateDir, "phylopack.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(stateDir string) (*Config, error) {
	data, err := os.ReadFile(Path(stateDir))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Unset keys keep
// their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `tools:
  mash: mash
  attotree: attotree
  postprocess:
    - postprocess_tree.py
    - --standardize
    - --midpoint-outgroup
    - --ladderize
    - --name-internals
    - -l
    - "{leaf}"
    - -n
    - "{node}"
    - "{tree}"
    - "{std}"

defaults:
  cut_point: 0.01
  kmer: 21
  sketch_reference: 10000
  sketch_placement: 1000
  threads: 10
  method: nj
  splitting_scheme: random
  statistic_file_type: json

workspace:
  unique_debug_dir: false
  cleanup_on_failure: false
  temp_root: ""

log_markers:
  timestamp_layout: "2006-01-02 15:04:05"
  stages:
    - name: mash_triangle_time
      start: Running Mash
      end: "Finished: 'mash triangle"
    - name: quicktree_time
      start: Running Quicktree
      end: "Finished: 'quicktree"

history:
  disabled: false

notify:
  webhooks: []

server:
  addr: 127.0.0.1:8080
  base_path: ""
`
