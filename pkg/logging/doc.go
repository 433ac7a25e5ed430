// Package logging provides structured logging for apiary with a small
// printf-style API on top of log/slog.
//
// All log entries carry a subsystem identifier for categorization and are
// filtered by the level configured at startup:
//
//	logging.Init(logging.LevelInfo, os.Stderr)
//	logging.Info("Container", "Loaded %d providers", n)
//	logging.Error("Repository", err, "Failed to persist provider list")
//
// The Error variant takes the error explicitly so it is attached as a
// structured attribute rather than interpolated into the message.
package logging
