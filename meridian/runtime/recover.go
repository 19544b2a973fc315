// Package runtime provides panic-safe goroutine helpers and panic
// observability (logging, metrics, external error reporting).
package runtime

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/SandboxServers/MeridianConsole-sub018/meridian/backoff"
	"github.com/SandboxServers/MeridianConsole-sub018/meridian/log"
)

// Logger is the logging interface consumed by this package.
type Logger = log.Logger

// Policy controls what happens to a goroutine after a recovered panic.
type Policy uint8

const (
	// KeepRunning restarts the goroutine function after a recovered panic,
	// backing off between restarts. Use it for supervisor-style loops that
	// must survive individual failures (relay ticks, consumer loops).
	KeepRunning Policy = iota

	// RunOnce recovers and logs the panic without restarting the function.
	RunOnce
)

// maxGoroutineRestarts bounds KeepRunning restarts so a deterministic
// panic cannot spin a goroutine forever.
const maxGoroutineRestarts = 10

// restartBackoffBase is the base delay between goroutine restarts.
const restartBackoffBase = 100 * time.Millisecond

// HandlePanicValue records a panic that was already recovered by the caller.
// It logs the panic with a stack trace (redacted in production mode),
// increments the panic metric, and forwards the panic to the configured
// error reporter.
func HandlePanicValue(ctx context.Context, logger Logger, panicValue any, component, goroutineName string) {
	if ctx == nil {
		ctx = context.Background()
	}

	stack := debug.Stack()

	logPanic(ctx, logger, panicValue, stack, component, goroutineName)
	recordPanicMetric(ctx, component, goroutineName)
	reportPanicToErrorService(ctx, panicValue, stack, component, goroutineName)
}

// RecoverAndLogWithContext recovers a panic in the calling goroutine and
// records it. It must be invoked directly in a defer statement:
//
//	defer runtime.RecoverAndLogWithContext(ctx, logger, "outbox", "relay_tick")
func RecoverAndLogWithContext(ctx context.Context, logger Logger, component, goroutineName string) {
	if recovered := recover(); recovered != nil {
		HandlePanicValue(ctx, logger, recovered, component, goroutineName)
	}
}

// SafeGo starts fn in a new goroutine with panic recovery.
// The goroutine name doubles as the component label.
func SafeGo(logger Logger, name string, policy Policy, fn func()) {
	SafeGoWithContextAndComponent(context.Background(), logger, name, name, policy, func(context.Context) {
		fn()
	})
}

// SafeGoWithContextAndComponent starts fn in a new goroutine with panic
// recovery and labeled observability. Under KeepRunning, fn is restarted
// after each recovered panic until it returns normally, the context is
// cancelled, or the restart budget is exhausted.
func SafeGoWithContextAndComponent(
	ctx context.Context,
	logger Logger,
	component, name string,
	policy Policy,
	fn func(context.Context),
) {
	if ctx == nil {
		ctx = context.Background()
	}

	if fn == nil {
		return
	}

	go superviseGoroutine(ctx, logger, component, name, policy, fn)
}

func superviseGoroutine(
	ctx context.Context,
	logger Logger,
	component, name string,
	policy Policy,
	fn func(context.Context),
) {
	for restart := 0; ; restart++ {
		panicked := runGoroutineOnce(ctx, logger, component, name, fn)
		if !panicked || policy != KeepRunning {
			return
		}

		if restart >= maxGoroutineRestarts {
			if logger != nil {
				logger.Log(ctx, log.LevelError, "goroutine restart budget exhausted",
					log.String("component", component),
					log.String("goroutine_name", name),
					log.Int("restarts", restart),
				)
			}

			return
		}

		if err := backoff.WaitContext(ctx, backoff.ExponentialWithJitter(restartBackoffBase, restart)); err != nil {
			return
		}

		if ctx.Err() != nil {
			return
		}
	}
}

// runGoroutineOnce executes fn and reports whether it panicked.
func runGoroutineOnce(ctx context.Context, logger Logger, component, name string, fn func(context.Context)) (panicked bool) {
	defer func() {
		if recovered := recover(); recovered != nil {
			panicked = true

			HandlePanicValue(ctx, logger, recovered, component, name)
		}
	}()

	fn(ctx)

	return false
}

// logPanic writes the recovered panic to the logger, honoring production
// mode redaction for panic values and stack traces.
func logPanic(ctx context.Context, logger Logger, panicValue any, stack []byte, component, goroutineName string) {
	if logger == nil {
		return
	}

	fields := []log.Field{
		log.String("component", component),
		log.String("goroutine_name", goroutineName),
	}

	if IsProductionMode() {
		logger.Log(ctx, log.LevelError, redactedPanicMsg, fields...)
		return
	}

	fields = append(fields,
		log.String("panic_value", formatPanicValue(panicValue)),
		log.String("stack", string(stack)),
	)

	logger.Log(ctx, log.LevelError, "panic recovered", fields...)
}
