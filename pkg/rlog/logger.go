// Package rlog is the structured logging facade shared by every RazorFS
// core component. It mirrors direktiv-vorteil's pkg/elog: a small interface
// over logrus, with color applied only when writing to a terminal.
package rlog

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// Logger is the logging surface every core component takes a dependency on.
// Components must never call fmt.Println/log.Printf directly; they log
// through this interface so the adapter (or a test) can redirect, silence,
// or assert on output.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	IsDebugEnabled() bool
}

// CLI is a terminal-facing Logger backed by logrus, colorized unless
// DisableColors is set (matches teacher's pkg/elog.CLI.Format).
type CLI struct {
	DisableColors bool
	IsDebug       bool
	entry         *logrus.Logger
}

// NewCLI constructs a CLI logger writing to stderr.
func NewCLI(debug bool) *CLI {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	if debug {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return &CLI{IsDebug: debug, entry: l}
}

func (c *CLI) colorize(lvl logrus.Level, s string) string {
	if c.DisableColors {
		return s
	}
	switch lvl {
	case logrus.DebugLevel:
		return color.New(color.FgBlue).Sprint(s)
	case logrus.WarnLevel:
		return color.New(color.FgYellow).Sprint(s)
	case logrus.ErrorLevel:
		return color.New(color.FgRed).Sprint(s)
	default:
		return s
	}
}

func (c *CLI) Debugf(format string, args ...interface{}) {
	c.entry.Debug(c.colorize(logrus.DebugLevel, fmt.Sprintf(format, args...)))
}

func (c *CLI) Infof(format string, args ...interface{}) {
	c.entry.Info(fmt.Sprintf(format, args...))
}

func (c *CLI) Warnf(format string, args ...interface{}) {
	c.entry.Warn(c.colorize(logrus.WarnLevel, fmt.Sprintf(format, args...)))
}

func (c *CLI) Errorf(format string, args ...interface{}) {
	c.entry.Error(c.colorize(logrus.ErrorLevel, fmt.Sprintf(format, args...)))
}

func (c *CLI) IsDebugEnabled() bool { return c.IsDebug }

// discard is the nil-safe default every component falls back to when
// constructed with a nil Logger.
type discard struct{}

func (discard) Debugf(string, ...interface{}) {}
func (discard) Infof(string, ...interface{})  {}
func (discard) Warnf(string, ...interface{})  {}
func (discard) Errorf(string, ...interface{}) {}
func (discard) IsDebugEnabled() bool          { return false }

// Discard is a Logger that drops everything. Components use it via OrDiscard
// so callers never need to nil-check before logging.
var Discard Logger = discard{}

// OrDiscard returns l if non-nil, else Discard.
func OrDiscard(l Logger) Logger {
	if l == nil {
		return Discard
	}
	return l
}
