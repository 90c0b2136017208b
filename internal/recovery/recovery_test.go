package recovery

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func runGuarded(fn func()) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn()
	}()
	wg.Wait()
}

func TestRecoverWithLog_RecoversPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	runGuarded(func() {
		defer RecoverWithLog(logger, "stack.readLoop")
		panic("frame decoder exploded")
	})

	output := buf.String()
	for _, want := range []string{"panic recovered", "stack.readLoop", "frame decoder exploded", "stack="} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestRecoverWithLog_NoopOnNoPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	runGuarded(func() {
		defer RecoverWithLog(logger, "quiet")
	})

	if buf.Len() > 0 {
		t.Errorf("expected no output, got: %s", buf.String())
	}
}

func TestRecoverWithLog_NilLogger(t *testing.T) {
	runGuarded(func() {
		defer RecoverWithLog(nil, "nil-logger")
		panic("still recovered")
	})
}

func TestRecoverWithCallback(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	var recovered any
	runGuarded(func() {
		defer RecoverWithCallback(logger, "cb", func(r any) { recovered = r })
		panic("callback test")
	})

	if recovered != "callback test" {
		t.Errorf("recovered = %v, want 'callback test'", recovered)
	}

	called := false
	runGuarded(func() {
		defer RecoverWithCallback(logger, "cb", func(any) { called = true })
	})
	if called {
		t.Error("callback must not run without a panic")
	}

	runGuarded(func() {
		defer RecoverWithCallback(logger, "nil-cb", nil)
		panic("nil callback")
	})
}
