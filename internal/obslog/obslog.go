// Package obslog provides the structured logging wrapper the rest of
// the module calls into for orchestration-level messages: CLI
// lifecycle, resume summaries, target and action lifecycle hooks. It is
// deliberately kept separate from internal/trace, which records
// per-key deterministic evaluation events for replay/inspection rather
// than human-facing log lines.
package obslog

import (
	"go.uber.org/zap"
)

// New returns a production zap.Logger (JSON encoding, info level) for
// normal CLI use.
func New() (*zap.Logger, error) {
	return zap.NewProduction()
}

// NewDevelopment returns a development zap.Logger (console encoding,
// debug level, caller info) for local/verbose use.
func NewDevelopment() (*zap.Logger, error) {
	return zap.NewDevelopment()
}

// Nop returns a logger that discards everything, for tests and
// library callers that haven't wired a real sink.
func Nop() *zap.Logger {
	return zap.NewNop()
}

// Field aliases so call sites in this module don't need to import zap
// directly just to build a handful of structured fields; kept to a
// small set rather than re-exporting all of zap.
var (
	String   = zap.String
	Int      = zap.Int
	Err      = zap.Error
	Duration = zap.Duration
	Bool     = zap.Bool
)
