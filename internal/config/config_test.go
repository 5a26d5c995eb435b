package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ranker.Semantic != 0.4 || cfg.Ranker.Recency != 0.2 || cfg.Ranker.Importance != 0.3 || cfg.Ranker.Frequency != 0.1 {
		t.Errorf("unexpected default weights %+v", cfg.Ranker)
	}
	if cfg.Ranker.HalfLife() != 7*24*time.Hour {
		t.Errorf("unexpected half-life %v", cfg.Ranker.HalfLife())
	}
	if cfg.Assembler.BufferCapacity != 15 || cfg.Summarizer.Interval != 5 {
		t.Errorf("unexpected defaults %+v %+v", cfg.Assembler, cfg.Summarizer)
	}
	if cfg.Session.Timeout != 2*time.Hour {
		t.Errorf("unexpected session timeout %v", cfg.Session.Timeout)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
db_path: /tmp/from-file.db
ranker:
  semantic: 0.5
  recency: 0.1
assembler:
  buffer_capacity: 20
  section_timeout: 250ms
queue:
  backend: redis
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CHARMEM_WEIGHT_RECENCY", "0.25")
	t.Setenv("CHARMEM_SESSION_TIMEOUT", "1d")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != "/tmp/from-file.db" {
		t.Errorf("expected db path from file, got %q", cfg.DBPath)
	}
	if cfg.Ranker.Semantic != 0.5 || cfg.Ranker.Recency != 0.25 || cfg.Ranker.Importance != 0.3 {
		t.Errorf("unexpected ranker %+v", cfg.Ranker)
	}
	if cfg.Assembler.BufferCapacity != 20 || cfg.Assembler.SectionTimeout != 250*time.Millisecond {
		t.Errorf("unexpected assembler %+v", cfg.Assembler)
	}
	if cfg.Session.Timeout != 24*time.Hour {
		t.Errorf("expected env day duration, got %v", cfg.Session.Timeout)
	}
	if cfg.Queue.Backend != "redis" {
		t.Errorf("expected redis backend, got %q", cfg.Queue.Backend)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"negative weight", "CHARMEM_WEIGHT_SEMANTIC", "-1"},
		{"zero buffer", "CHARMEM_BUFFER_CAPACITY", "0"},
		{"bad queue", "CHARMEM_QUEUE", "kafka"},
		{"bad duration", "CHARMEM_ASSEMBLE_DEADLINE", "soon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			if _, err := Load(""); err == nil {
				t.Errorf("expected %s=%s to be rejected", tt.key, tt.val)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		err  bool
	}{
		{"7d", 7 * 24 * time.Hour, false},
		{"2h", 2 * time.Hour, false},
		{"150ms", 150 * time.Millisecond, false},
		{"1w", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		if (err != nil) != tt.err || got != tt.want {
			t.Errorf("ParseDuration(%q) = %v, %v", tt.in, got, err)
		}
	}
}
