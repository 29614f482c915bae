package config

import (
	"io"
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds the process logger writing to out and, when File is
// set, to a rotated log file. The returned close function flushes the file.
func (l LoggingConfig) NewLogger(out io.Writer) (*slog.Logger, func() error, error) {
	level, err := ParseLevel(l.Level)
	if err != nil {
		return nil, nil, invalid("logging.level: %v", err)
	}

	closeFn := func() error { return nil }
	if l.File != "" {
		file := &lumberjack.Logger{
			Filename:   l.File,
			MaxSize:    l.MaxSizeMB,
			MaxBackups: l.MaxBackups,
			MaxAge:     l.MaxAgeDays,
			Compress:   true,
		}
		out = io.MultiWriter(out, file)
		closeFn = file.Close
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if l.Format == "text" {
		h = slog.NewTextHandler(out, opts)
	} else {
		h = slog.NewJSONHandler(out, opts)
	}
	return slog.New(h), closeFn, nil
}
