package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Defaults.Kmer != 21 || cfg.Defaults.SketchReference != 10000 || cfg.Defaults.SketchPlacement != 1000 {
		t.Fatalf("unexpected sketch defaults: %+v", cfg.Defaults)
	}
	if cfg.Defaults.CutPoint != 0.01 || cfg.Defaults.Threads != 10 || cfg.Defaults.Method != "nj" {
		t.Fatalf("unexpected defaults: %+v", cfg.Defaults)
	}
	if len(cfg.LogMarkers.Stages) != 2 || cfg.LogMarkers.Stages[0].Name != "mash_triangle_time" {
		t.Fatalf("unexpected markers: %+v", cfg.LogMarkers.Stages)
	}
	if cfg.Tools.Postprocess[0] != "postprocess_tree.py" {
		t.Fatalf("unexpected postprocess argv: %v", cfg.Tools.Postprocess)
	}
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("defaults:\n  threads: 4\n  statistic_file_type: csv\nworkspace:\n  unique_debug_dir: true\n"))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Defaults.Threads != 4 || cfg.Defaults.StatisticFileType != "csv" {
		t.Fatalf("override not applied: %+v", cfg.Defaults)
	}
	if cfg.Defaults.Kmer != 21 || cfg.Tools.Mash != "mash" {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if !cfg.Workspace.UniqueDebugDir {
		t.Fatalf("expected unique debug dir")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"method":   "defaults:\n  method: ml\n",
		"cut":      "defaults:\n  cut_point: 0\n",
		"format":   "defaults:\n  statistic_file_type: tsv\n",
		"marker":   "log_markers:\n  stages:\n    - name: x\n",
		"webhook":  "notify:\n  webhooks:\n    - url: ftp://example.com\n",
		"basepath": "server:\n  base_path: api\n",
		"tool":     "tools:\n  postprocess: []\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	if _, err := FromYAML([]byte("defaults: [")); err == nil || !strings.Contains(err.Error(), "invalid config yaml") {
		t.Fatalf("expected yaml error, got %v", err)
	}
}

func TestLoadOptionalAndPath(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("load optional: %v", err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected missing config error")
	}
	if err := os.WriteFile(Path(dir), []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(dir); err != nil {
		t.Fatalf("load: %v", err)
	}
	if Path("") != filepath.Join(".", "phylopack.yml") {
		t.Fatalf("unexpected path %s", Path(""))
	}
}
