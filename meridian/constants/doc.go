// Package constant provides shared constant values used across the platform.
//
// Keep this package free of runtime behavior.
// It is used by delivery, telemetry, and logging helpers to avoid duplicated literals.
package constant
