//go:build unit

package runtime

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SandboxServers/MeridianConsole-sub018/meridian/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureLogger struct {
	mu   sync.Mutex
	msgs []string
	keys map[string]any
}

func newCaptureLogger() *captureLogger {
	return &captureLogger{keys: map[string]any{}}
}

func (l *captureLogger) Log(_ context.Context, _ log.Level, msg string, fields ...log.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.msgs = append(l.msgs, msg)
	for _, f := range fields {
		l.keys[f.Key] = f.Value
	}
}

//nolint:ireturn
func (l *captureLogger) With(_ ...log.Field) log.Logger { return l }

//nolint:ireturn
func (l *captureLogger) WithGroup(_ string) log.Logger { return l }

func (l *captureLogger) Enabled(_ log.Level) bool { return true }

func (l *captureLogger) Sync(_ context.Context) error { return nil }

func (l *captureLogger) messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]string(nil), l.msgs...)
}

func (l *captureLogger) field(key string) any {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.keys[key]
}

type captureReporter struct {
	mu     sync.Mutex
	errs   []error
	tags   []map[string]string
	called atomic.Int32
}

func (r *captureReporter) CaptureException(_ context.Context, err error, tags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.errs = append(r.errs, err)
	r.tags = append(r.tags, tags)
	r.called.Add(1)
}

func TestHandlePanicValue_NilLoggerDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		HandlePanicValue(context.Background(), nil, "boom", "console", "test")
	})
}

func TestHandlePanicValue_LogsComponentAndStack(t *testing.T) {
	logger := newCaptureLogger()

	HandlePanicValue(context.Background(), logger, "boom", "console", "history_writer")

	require.Contains(t, logger.messages(), "panic recovered")
	assert.Equal(t, "console", logger.field("component"))
	assert.Equal(t, "history_writer", logger.field("goroutine_name"))
	assert.Equal(t, "boom", logger.field("panic_value"))
	assert.NotEmpty(t, logger.field("stack"))
}

func TestHandlePanicValue_ProductionRedacts(t *testing.T) {
	SetProductionMode(true)
	t.Cleanup(func() { SetProductionMode(false) })

	logger := newCaptureLogger()

	HandlePanicValue(context.Background(), logger, "rcon_password=hunter2", "console", "history_writer")

	require.Contains(t, logger.messages(), redactedPanicMsg)
	assert.Nil(t, logger.field("panic_value"))
	assert.Nil(t, logger.field("stack"))
}

func TestRecoverAndLogWithContext(t *testing.T) {
	logger := newCaptureLogger()

	func() {
		defer RecoverAndLogWithContext(context.Background(), logger, "outbox", "relay_tick")
		panic("tick failure")
	}()

	require.Contains(t, logger.messages(), "panic recovered")
	assert.Equal(t, "tick failure", logger.field("panic_value"))
}

func TestRecoverAndLogWithContext_NoPanicIsNoop(t *testing.T) {
	logger := newCaptureLogger()

	func() {
		defer RecoverAndLogWithContext(context.Background(), logger, "outbox", "relay_tick")
	}()

	assert.Empty(t, logger.messages())
}

func TestSafeGo_RunsFunction(t *testing.T) {
	done := make(chan struct{})

	SafeGo(log.NewNop(), "test.run", RunOnce, func() {
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine did not run")
	}
}

func TestSafeGo_RecoversPanicWithoutRestart(t *testing.T) {
	logger := newCaptureLogger()

	var runs atomic.Int32

	done := make(chan struct{})

	SafeGoWithContextAndComponent(context.Background(), logger, "test", "one_shot", RunOnce, func(context.Context) {
		if runs.Add(1) == 1 {
			defer close(done)
			panic("single failure")
		}
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine did not run")
	}

	// Give the supervisor a moment to (incorrectly) restart, then verify it did not.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
}

func TestSafeGo_KeepRunningRestartsUntilSuccess(t *testing.T) {
	var runs atomic.Int32

	done := make(chan struct{})

	SafeGoWithContextAndComponent(context.Background(), log.NewNop(), "test", "flaky", KeepRunning, func(context.Context) {
		if runs.Add(1) < 3 {
			panic("transient failure")
		}

		close(done)
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("goroutine was not restarted to completion")
	}

	assert.Equal(t, int32(3), runs.Load())
}

func TestSafeGo_KeepRunningStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var runs atomic.Int32

	SafeGoWithContextAndComponent(ctx, log.NewNop(), "test", "cancelled", KeepRunning, func(context.Context) {
		if runs.Add(1) == 1 {
			cancel()
		}

		panic("always fails")
	})

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)

	// After cancellation the supervisor must stop restarting.
	settled := runs.Load()
	time.Sleep(300 * time.Millisecond)
	assert.LessOrEqual(t, runs.Load(), settled+1)
}

func TestSafeGo_NilFunctionIgnored(t *testing.T) {
	assert.NotPanics(t, func() {
		SafeGoWithContextAndComponent(context.Background(), log.NewNop(), "test", "nil_fn", KeepRunning, nil)
	})
}

func TestErrorReporter_ReceivesPanic(t *testing.T) {
	reporter := &captureReporter{}
	SetErrorReporter(reporter)
	t.Cleanup(func() { SetErrorReporter(nil) })

	HandlePanicValue(context.Background(), log.NewNop(), "boom", "console", "writer")

	require.Equal(t, int32(1), reporter.called.Load())
	require.Len(t, reporter.tags, 1)
	assert.Equal(t, "console", reporter.tags[0]["component"])
	assert.Equal(t, "writer", reporter.tags[0]["goroutine_name"])
	assert.Contains(t, reporter.tags[0], "stack_trace")
}

func TestErrorReporter_ProductionOmitsStack(t *testing.T) {
	reporter := &captureReporter{}
	SetErrorReporter(reporter)
	SetProductionMode(true)
	t.Cleanup(func() {
		SetErrorReporter(nil)
		SetProductionMode(false)
	})

	HandlePanicValue(context.Background(), log.NewNop(), "secret detail", "console", "writer")

	require.Equal(t, int32(1), reporter.called.Load())
	assert.NotContains(t, reporter.tags[0], "stack_trace")
	assert.Equal(t, redactedPanicMsg, reporter.errs[0].Error())
}

func TestToPanicError(t *testing.T) {
	assert.Equal(t, assert.AnError, toPanicError(assert.AnError, false))
	assert.Equal(t, "plain message", toPanicError("plain message", false).Error())
	assert.Equal(t, "panic: 42", toPanicError(42, false).Error())
	assert.Equal(t, redactedPanicMsg, toPanicError("anything", true).Error())
}

func TestFormatPanicValue(t *testing.T) {
	assert.Equal(t, "<nil>", formatPanicValue(nil))
	assert.Equal(t, "text", formatPanicValue("text"))
	assert.Equal(t, assert.AnError.Error(), formatPanicValue(assert.AnError))
	assert.Equal(t, "7", formatPanicValue(7))
}
