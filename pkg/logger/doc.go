// Package logger provides the structured logging interface used across
// igsession.
//
// It wraps zerolog behind a small Logger interface with field chaining,
// console or JSON output and optional file output. Client supplied strings
// are stripped of control characters before they reach a log line, and
// MaskProxy/MaskSecret keep proxy endpoints and session material out of logs.
//
//	log, err := logger.New(&cfg.Logging)
//	log.WithField("username", name).Info("Session restored")
//
// TestLogger captures messages for assertions in tests.
package logger
