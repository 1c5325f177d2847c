// Copyright 2024 The hedera-platform-sub002 Authors
// This file is part of the hedera-platform-sub002 library.
//
// The hedera-platform-sub002 library is free software: you can redistribute
// it and/or modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation, either version 3
// of the License, or (at your option) any later version.

// Package xlog is the platform's structured logger. It mirrors the shape
// of the teacher's own log/slog-based logger: a small Logger interface
// with leveled methods, a glog-style per-file verbosity handler, and a
// rotating file handler for long-lived node processes.
package xlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level mirrors slog.Level but names the platform's six levels so call
// sites read the way the rest of the codebase (and its comments) expect.
type Level = slog.Level

const (
	LevelTrace Level = slog.Level(-8)
	LevelDebug Level = slog.LevelDebug
	LevelInfo  Level = slog.LevelInfo
	LevelWarn  Level = slog.LevelWarn
	LevelError Level = slog.LevelError
	LevelCrit  Level = slog.Level(12)
)

// Logger is the logging surface every subsystem takes a dependency on,
// never *slog.Logger directly, so that call sites stay swappable and
// testable with a no-op implementation.
type Logger interface {
	Trace(msg string, ctx ...any)
	Debug(msg string, ctx ...any)
	Info(msg string, ctx ...any)
	Warn(msg string, ctx ...any)
	Error(msg string, ctx ...any)
	Crit(msg string, ctx ...any)
	With(ctx ...any) Logger
}

type logger struct {
	inner *slog.Logger
}

// New builds a Logger writing to a Handler produced by NewTerminalHandler
// or NewFileHandler.
func New(h slog.Handler) Logger {
	return &logger{inner: slog.New(h)}
}

func (l *logger) log(level Level, msg string, ctx []any) {
	if !l.inner.Enabled(context.Background(), level) {
		return
	}
	l.inner.Log(context.Background(), level, msg, ctx...)
}

func (l *logger) Trace(msg string, ctx ...any) { l.log(LevelTrace, msg, ctx) }
func (l *logger) Debug(msg string, ctx ...any) { l.log(LevelDebug, msg, ctx) }
func (l *logger) Info(msg string, ctx ...any)  { l.log(LevelInfo, msg, ctx) }
func (l *logger) Warn(msg string, ctx ...any)  { l.log(LevelWarn, msg, ctx) }
func (l *logger) Error(msg string, ctx ...any) { l.log(LevelError, msg, ctx) }
func (l *logger) Crit(msg string, ctx ...any)  { l.log(LevelCrit, msg, ctx) }

func (l *logger) With(ctx ...any) Logger {
	return &logger{inner: l.inner.With(ctx...)}
}

// glogHandler adds per-source-file verbosity overrides ("vmodule") on
// top of a global level, the way the teacher's glog handler does for
// operators chasing one noisy file without turning on global trace
// logging.
type glogHandler struct {
	inner    slog.Handler
	level    atomic.Int64
	vmodule  sync.Map // filename -> Level
	hasRules atomic.Bool
}

// NewGlogHandler wraps inner with file-scoped verbosity control.
func NewGlogHandler(inner slog.Handler) *glogHandler {
	h := &glogHandler{inner: inner}
	h.level.Store(int64(LevelInfo))
	return h
}

// Verbosity sets the global level floor.
func (h *glogHandler) Verbosity(lvl Level) { h.level.Store(int64(lvl)) }

// Vmodule overrides the level for a specific source file, e.g.
// Vmodule("shadowgraph.go", LevelTrace) for trace-level logs from that
// file only.
func (h *glogHandler) Vmodule(file string, lvl Level) {
	h.vmodule.Store(file, lvl)
	h.hasRules.Store(true)
}

func (h *glogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	// A per-file rule may lower the effective threshold below the global
	// floor, so when any rule is installed every record must reach
	// Handle for the real (file-aware) decision.
	return level >= slog.Level(h.level.Load()) || h.hasRules.Load()
}

func (h *glogHandler) Handle(ctx context.Context, r slog.Record) error {
	threshold := Level(h.level.Load())
	if h.hasRules.Load() {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if lvl, ok := h.vmodule.Load(filepath.Base(frame.File)); ok {
			threshold = lvl.(Level)
		}
	}
	if r.Level < threshold {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *glogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &glogHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *glogHandler) WithGroup(name string) slog.Handler {
	return &glogHandler{inner: h.inner.WithGroup(name)}
}

// NewTerminalHandler renders human-readable, color-free log lines to w.
func NewTerminalHandler(w *os.File) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{Level: LevelTrace})
}

// NewFileHandler writes JSON lines to a size/age-rotated file, matching
// the teacher's lumberjack-backed file logging.
func NewFileHandler(path string, maxSizeMB, maxBackups, maxAgeDays int) slog.Handler {
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: LevelTrace})
}

var root atomic.Value

func init() {
	root.Store(New(NewTerminalHandler(os.Stderr)))
}

// SetDefault replaces the package-level root logger.
func SetDefault(l Logger) { root.Store(l) }

// Root returns the package-level default logger.
func Root() Logger { return root.Load().(Logger) }

func Trace(msg string, ctx ...any) { Root().Trace(msg, ctx...) }
func Debug(msg string, ctx ...any) { Root().Debug(msg, ctx...) }
func Info(msg string, ctx ...any)  { Root().Info(msg, ctx...) }
func Warn(msg string, ctx ...any)  { Root().Warn(msg, ctx...) }
func Error(msg string, ctx ...any) { Root().Error(msg, ctx...) }
func Crit(msg string, ctx ...any)  { Root().Crit(msg, ctx...) }

// WithErr builds the "err"-keyed keyval pair callers append to a log
// call's context, e.g. logger.Warn("sync failed", xlog.WithErr(err)...).
func WithErr(err error) []any { return []any{"err", fmt.Sprintf("%v", err)} }
