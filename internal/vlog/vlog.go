// Package vlog is the engine's structured-logging facade. It wraps
// github.com/hashicorp/go-hclog, the logging library the teacher codebase
// uses throughout (framework.Backend.Logger()), and enforces the engine's
// one logging rule: key names, counts, and error codes may be logged;
// passwords, derived keys, and decrypted values may never be.
package vlog

import (
	"os"

	"github.com/hashicorp/go-hclog"
)

// Logger is the subset of hclog.Logger the engine depends on.
type Logger = hclog.Logger

// New returns the default engine logger, named "vault", writing to stderr
// at Warn level unless VAULT_LOG_LEVEL overrides it.
func New() Logger {
	level := hclog.Warn
	if v := os.Getenv("VAULT_LOG_LEVEL"); v != "" {
		level = hclog.LevelFromString(v)
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:  "vault",
		Level: level,
	})
}

// Discard returns a logger that drops everything, for tests and for
// callers that supply no logger of their own.
func Discard() Logger {
	return hclog.NewNullLogger()
}
