// Package invariant implements the assert-and-terminate discipline the core
// relies on: a violated precondition desynchronizes every peer domain
// sharing the region, so it is never recovered from locally.
//
// This mirrors the original C runtime's assert() (file/line plus a
// backtrace, then terminate) rather than Go's usual "return an error"
// convention, because the condition being checked is an invariant, not a
// recoverable input mistake. Recoverable mistakes (bad config strings,
// size-string parse failures) are returned as plain errors elsewhere in
// this module.
//
// Check panics rather than calling os.Exit directly, so a test can recover
// and inspect the Violation instead of killing the test binary — the Go
// equivalent of the original runtime's assertAddListener hook. A process
// entry point is expected to recover once at its top level and call Terminate to reproduce the original's exact
// print-and-exit(1) behavior.
package invariant

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"sync/atomic"
)

// Violation is the panic value raised by Check when an invariant is broken.
type Violation struct {
	File    string
	Line    int
	Message string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("assert fail %s %d: %s", v.File, v.Line, v.Message)
}

// listener, if set, is invoked with every Violation before Check or
// CheckErrno panics.
// This is the equivalent of the original runtime's assertAddListener hook,
// which let its own test harness observe an assertion failure; here the
// panic/recover path already lets a test observe one without the listener,
// so the listener is solely for side-channel observability (e.g. a test
// wanting a count of violations seen across several goroutines where
// recover() alone can't aggregate them).
var listener atomic.Pointer[func(*Violation)]

// SetViolationListener installs fn to be called with every Violation Check
// or CheckErrno raises, in addition to (not instead of) the panic. Pass nil to clear it.
func SetViolationListener(fn func(*Violation)) {
	if fn == nil {
		listener.Store(nil)
		return
	}
	listener.Store(&fn)
}

// Check panics with a *Violation if mustBeTrue is false. The caller's file
// and line are resolved via runtime.Caller so the diagnostic matches the
// original runtime's assert_withFileAndPosition output shape.
func Check(mustBeTrue bool, format string, args ...any) {
	if mustBeTrue {
		return
	}
	file, line := callerLocation()
	v := &Violation{File: file, Line: line, Message: fmt.Sprintf(format, args...)}
	if fn := listener.Load(); fn != nil {
		(*fn)(v)
	}
	panic(v)
}

// CheckErrno behaves like Check but folds err into the message, mirroring
// the original runtime's assertErrno_withFileAndPosition which additionally
// logs the OS errno on failure.
func CheckErrno(mustBeTrue bool, err error, format string, args ...any) {
	if mustBeTrue {
		return
	}
	file, line := callerLocation()
	v := &Violation{File: file, Line: line, Message: fmt.Sprintf(format, args...) + ": " + err.Error()}
	if fn := listener.Load(); fn != nil {
		(*fn)(v)
	}
	panic(v)
}

func callerLocation() (string, int) {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return "unknown", 0
	}
	return file, line
}

// Terminate reproduces the original runtime's failure path: it prints the
// violation and a backtrace to stderr and exits the process with status 1.
// recovered is whatever recover() returned; Terminate is a no-op if it is
// nil. Callers recover once at their process entry point:
//
//	defer func() { invariant.Terminate(recover()) }()
func Terminate(recovered any) {
	if recovered == nil {
		return
	}
	if v, ok := recovered.(*Violation); ok {
		fmt.Fprintf(os.Stderr, "Assert fail %s %d: %s\n", v.File, v.Line, v.Message)
	} else {
		fmt.Fprintf(os.Stderr, "Assert fail: %v\n", recovered)
	}
	fmt.Fprintln(os.Stderr, "Stack frames:")
	os.Stderr.Write(debug.Stack())
	os.Exit(1)
}
