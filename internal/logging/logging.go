package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rifflock/lfshook"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level string
	// File, when set, receives a plain-text copy of every entry, rotated by
	// lumberjack.
	File       string
	MaxAgeDays int
	Console    io.Writer
}

// Configure sets up l for console output plus an optional rotating log file.
func Configure(l *log.Logger, opts Options) error {
	level := log.InfoLevel
	if opts.Level != "" {
		lv, err := log.ParseLevel(opts.Level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = lv
	}
	l.SetLevel(level)
	l.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if opts.Console != nil {
		l.SetOutput(opts.Console)
	} else {
		l.SetOutput(os.Stdout)
	}

	if opts.File == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    100,
		MaxBackups: 30,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}
	fileFmt := &log.TextFormatter{DisableColors: true, FullTimestamp: true}
	writers := lfshook.WriterMap{}
	for _, lv := range log.AllLevels {
		writers[lv] = rotator
	}
	l.AddHook(lfshook.NewHook(writers, fileFmt))
	return nil
}
