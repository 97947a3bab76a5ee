// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger configures the process-wide slog logger.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/term"
)

const packagePrefix = "github.com/kadirpekel/codebridge"

// Formats accepted by Init.
const (
	FormatSimple  = "simple"
	FormatVerbose = "verbose"
	FormatText    = "text"
	FormatJSON    = "json"
)

var (
	mu            sync.Mutex
	defaultLogger *slog.Logger
	level         = new(slog.LevelVar)
)

// ParseLevel converts a string log level to slog.Level.
// Valid levels: debug, info, warn, error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: debug, info, warn, error)", s)
}

// ValidFormat reports whether format is accepted by Init.
func ValidFormat(format string) bool {
	switch format {
	case "", FormatSimple, FormatVerbose, FormatText, FormatJSON:
		return true
	}
	return false
}

// Init installs the default logger.
//
// Third-party library records are dropped unless the level is debug.
// Terminal output is colored for the simple and verbose formats.
func Init(lvl slog.Level, output *os.File, format string) {
	mu.Lock()
	defer mu.Unlock()

	level.Set(lvl)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch format {
	case FormatJSON:
		handler = slog.NewJSONHandler(output, opts)
	case FormatText:
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = &lineHandler{
			out:      output,
			opts:     opts,
			color:    isTerminal(output),
			withTime: format == FormatVerbose,
			mu:       new(sync.Mutex),
		}
	}

	defaultLogger = slog.New(&filteringHandler{handler: handler})
	slog.SetDefault(defaultLogger)
}

// SetLevel changes the level of the installed logger without rebuilding it.
func SetLevel(lvl slog.Level) {
	level.Set(lvl)
}

// Level returns the current level.
func Level() slog.Level {
	return level.Level()
}

// GetLogger returns the default logger, initializing it on first use.
func GetLogger() *slog.Logger {
	mu.Lock()
	l := defaultLogger
	mu.Unlock()
	if l == nil {
		Init(slog.LevelInfo, os.Stderr, FormatSimple)
		return slog.Default()
	}
	return l
}

// OpenLogFile opens or creates a log file for appending.
func OpenLogFile(path string) (*os.File, func(), error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return file, func() { _ = file.Close() }, nil
}

// Truncate shortens s to at most n runes, marking the cut with an ellipsis.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}

func isTerminal(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}

// filteringHandler drops third-party records unless debug is enabled.
type filteringHandler struct {
	handler slog.Handler
}

func (h *filteringHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.handler.Enabled(ctx, l)
}

func (h *filteringHandler) Handle(ctx context.Context, r slog.Record) error {
	if level.Level() > slog.LevelDebug && !ownRecord(r.PC) {
		return nil
	}
	return h.handler.Handle(ctx, r)
}

func (h *filteringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &filteringHandler{handler: h.handler.WithAttrs(attrs)}
}

func (h *filteringHandler) WithGroup(name string) slog.Handler {
	return &filteringHandler{handler: h.handler.WithGroup(name)}
}

func ownRecord(pc uintptr) bool {
	if pc == 0 {
		return false
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return false
	}
	return strings.HasPrefix(fn.Name(), packagePrefix) || strings.HasPrefix(fn.Name(), "main.")
}

// lineHandler writes "LEVEL message k=v ..." lines, optionally with a
// timestamp prefix and ANSI level colors.
type lineHandler struct {
	out      io.Writer
	opts     *slog.HandlerOptions
	color    bool
	withTime bool
	attrs    []slog.Attr
	group    string
	mu       *sync.Mutex
}

func (h *lineHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.opts.Level.Level()
}

func (h *lineHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	if h.withTime && !r.Time.IsZero() {
		b.WriteString(r.Time.Format("2006/01/02 15:04:05 "))
	}

	lvl := strings.ToUpper(r.Level.String())
	if lvl == "WARNING" {
		lvl = "WARN"
	}
	if h.color {
		b.WriteString(levelColor(r.Level))
		b.WriteString(lvl)
		b.WriteString("\033[0m")
	} else {
		b.WriteString(lvl)
	}
	b.WriteByte(' ')
	b.WriteString(r.Message)

	write := func(a slog.Attr) {
		b.WriteByte(' ')
		b.WriteString(a.Key)
		b.WriteByte('=')
		b.WriteString(a.Value.String())
	}
	for _, a := range h.attrs {
		write(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		write(h.qualify(a))
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, b.String())
	return err
}

func (h *lineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = append([]slog.Attr{}, h.attrs...)
	for _, a := range attrs {
		c.attrs = append(c.attrs, h.qualify(a))
	}
	return &c
}

func (h *lineHandler) WithGroup(name string) slog.Handler {
	c := *h
	if c.group != "" {
		c.group += "." + name
	} else {
		c.group = name
	}
	return &c
}

func (h *lineHandler) qualify(a slog.Attr) slog.Attr {
	if h.group != "" {
		a.Key = h.group + "." + a.Key
	}
	return a
}

func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "\033[31m"
	case l >= slog.LevelWarn:
		return "\033[33m"
	case l >= slog.LevelInfo:
		return "\033[36m"
	default:
		return "\033[90m"
	}
}
