// Package log builds the slog loggers used by the wmi-query command: a
// handler that keeps credentials out of log output and a size-rotated log
// file.
package log
