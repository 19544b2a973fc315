// Package zap provides adapters and helpers around zap-based logging.
//
// It bridges the meridian/log abstraction to zap while preserving structured
// fields, OpenTelemetry trace correlation, and control-character sanitization
// of log messages that may embed operator-typed console text.
package zap
