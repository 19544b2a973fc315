// Package log defines the structured logging interface and typed logging fields.
//
// Adapters (such as the zap package) implement Logger so delivery and console
// components can keep logging calls consistent across backends.
package log
