package crash

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/atmx/hyperfuzz/internal/model"
)

// Sink receives every raised bundle.
type Sink interface {
	Publish(ctx context.Context, b *model.CrashBundle) error
}

// FileSink writes each bundle to its own
// crash_report_<prefix>_<timestamp>.json file and appends it as one JSON
// line to a rotated crash log in the same directory.
type FileSink struct {
	dir    string
	prefix string

	mu  sync.Mutex
	log *lumberjack.Logger
}

// FileSinkConfig controls where bundles land and how the crash log rotates.
type FileSinkConfig struct {
	Dir        string `yaml:"dir"`
	Prefix     string `yaml:"prefix"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// NewFileSink creates the directory if needed.
func NewFileSink(cfg FileSinkConfig) (*FileSink, error) {
	if cfg.Dir == "" {
		cfg.Dir = "."
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "hyperfuzz"
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 100
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("crash sink dir: %w", err)
	}
	return &FileSink{
		dir:    cfg.Dir,
		prefix: cfg.Prefix,
		log: &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Dir, "crash_reports.log"),
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		},
	}, nil
}

// Path returns the file a bundle is written to.
func (s *FileSink) Path(b *model.CrashBundle) string {
	prefix := s.prefix
	if sc := b.AdditionalInfo["scenario"]; sc != "" {
		prefix += "_" + sc
	}
	name := fmt.Sprintf("crash_report_%s_%s.json", prefix, b.Timestamp.UTC().Format("2006_01_02_15_04_05_Z"))
	return filepath.Join(s.dir, name)
}

func (s *FileSink) Publish(_ context.Context, b *model.CrashBundle) error {
	pretty, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("encode crash report: %w", err)
	}
	line, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode crash report: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.WriteFile(s.Path(b), pretty, 0o644); err != nil {
		return fmt.Errorf("write crash report: %w", err)
	}
	if _, err := s.log.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append crash log: %w", err)
	}
	return nil
}

// Close closes the crash log.
func (s *FileSink) Close() error {
	return s.log.Close()
}

// Saver persists bundles; store.Store satisfies it.
type Saver interface {
	SaveCrash(ctx context.Context, b *model.CrashBundle) error
}

// StoreSink publishes bundles to a Saver.
type StoreSink struct {
	saver Saver
}

// NewStoreSink wraps saver.
func NewStoreSink(saver Saver) *StoreSink {
	return &StoreSink{saver: saver}
}

func (s *StoreSink) Publish(ctx context.Context, b *model.CrashBundle) error {
	if err := s.saver.SaveCrash(ctx, b); err != nil {
		return fmt.Errorf("store crash report: %w", err)
	}
	return nil
}
