// Package logger provides structured logging with configurable log levels.
// It wraps the standard log/slog package: text output in development, JSON
// in production, and helpers to carry a request scoped logger in a context.
package logger
