// Package skerr provides errors annotated with the call stack at the point
// where they were created or first wrapped.
//
// Use Fmt to create a new error, Wrap to annotate an error from another
// package, and Wrapf to annotate with additional context. Formatting with %s
// appends a compact list of call sites, e.g.:
//
//	Failed to claim job. At jobs.go:217 worker.go:95 main.go:41
package skerr

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

// StackFrame identifies one call site.
type StackFrame struct {
	File string
	Line int
}

func (f StackFrame) String() string {
	return fmt.Sprintf("%s:%d", f.File, f.Line)
}

// ErrorWithContext is an error bundled with the call stack captured when it
// was created and any wrapping messages added along the way.
type ErrorWithContext struct {
	// Wrapped is the original error, if this error wraps one.
	Wrapped error
	// Context holds wrapping messages, innermost first.
	Context []string
	// CallStack is the stack at the point Fmt or Wrap was called, callee
	// first.
	CallStack []StackFrame
}

// Error implements the error interface.
func (e *ErrorWithContext) Error() string {
	var sb strings.Builder
	for i := len(e.Context) - 1; i >= 0; i-- {
		sb.WriteString(e.Context[i])
		sb.WriteString(": ")
	}
	if e.Wrapped != nil {
		sb.WriteString(e.Wrapped.Error())
	} else if len(e.Context) > 0 {
		// Trim the trailing separator when there is no inner error.
		return strings.TrimSuffix(sb.String(), ": ") + stackSuffix(e.CallStack)
	}
	sb.WriteString(stackSuffix(e.CallStack))
	return sb.String()
}

// Unwrap supports errors.Is and errors.As.
func (e *ErrorWithContext) Unwrap() error {
	return e.Wrapped
}

func stackSuffix(stack []StackFrame) string {
	if len(stack) == 0 {
		return ""
	}
	frames := make([]string, 0, len(stack))
	for _, f := range stack {
		frames = append(frames, f.String())
	}
	return " At " + strings.Join(frames, " ")
}

// CallStack returns up to height frames of the caller's stack, skipping
// skipFrames (0 means start at the caller of CallStack).
func CallStack(height, skipFrames int) []StackFrame {
	ret := make([]StackFrame, 0, height)
	for i := 0; i < height; i++ {
		_, file, line, ok := runtime.Caller(skipFrames + 2 + i)
		if !ok {
			break
		}
		ret = append(ret, StackFrame{File: filepath.Base(file), Line: line})
	}
	return ret
}

const stackHeight = 5

// Fmt creates a stack-annotated error in the manner of fmt.Errorf.
func Fmt(format string, args ...interface{}) error {
	return &ErrorWithContext{
		Wrapped:   fmt.Errorf(format, args...),
		CallStack: CallStack(stackHeight, 0),
	}
}

// Wrap annotates err with the current call stack. Returns nil when err is
// nil, so call sites may wrap unconditionally. An error that already carries
// a stack is returned unchanged.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*ErrorWithContext); ok {
		return err
	}
	return &ErrorWithContext{
		Wrapped:   err,
		CallStack: CallStack(stackHeight, 0),
	}
}

// Wrapf annotates err with a message and the current call stack. Returns nil
// when err is nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	if inner, ok := err.(*ErrorWithContext); ok {
		return &ErrorWithContext{
			Wrapped:   inner.Wrapped,
			Context:   append(append([]string{}, inner.Context...), msg),
			CallStack: inner.CallStack,
		}
	}
	return &ErrorWithContext{
		Wrapped:   err,
		Context:   []string{msg},
		CallStack: CallStack(stackHeight, 0),
	}
}

// Unwrap returns the innermost error if err carries context, or err itself.
func Unwrap(err error) error {
	if ec, ok := err.(*ErrorWithContext); ok && ec.Wrapped != nil {
		return ec.Wrapped
	}
	return err
}
