// Package logging provides structured logging configuration for mockbroker.
//
// This package wraps log/slog so every broker component logs the same way.
//
// # Usage
//
//	logger := logging.New(logging.Config{
//	    Level:  logging.LevelInfo,
//	    Format: logging.FormatText,
//	})
//
//	logger.Info("stream connected", "address", "10.0.0.5:8080")
//	logger.Warn("discovery failed", "error", err)
//
// # Integration
//
// Components accept a *slog.Logger in their constructor or via an option.
// If no logger is provided they fall back to logging.Nop().
// Use Component to tag a logger with the emitting subsystem.
package logging
