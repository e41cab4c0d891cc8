// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package workerproc implements the worker process (C2): the goja-backed
// JavaScript evaluator that runs one job per invocation inside the
// kernelworker subprocess, plus the stdin/stdout plumbing that connects it
// to the host over the protocol package's wire format.
package workerproc

import (
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/nodebooks/kernel/internal/protocol"
)

// Evaluator runs one job's code in a fresh goja.Runtime. A fresh runtime
// per job keeps globals from leaking between unrelated jobs; cross-cell
// globals are carried explicitly through Job.Globals / Result.globals via
// the __scope__ convention, not through runtime reuse.
type Evaluator struct {
	console Console
}

// Console receives console.log/warn/error-style calls from evaluated code.
// The worker process wires this to frame emission (see process.go); tests
// can substitute a simple recorder.
type Console interface {
	Write(stream protocol.OutputKind, args []any)
}

// DisplayFunc receives display() calls from evaluated code, carrying an
// arbitrary structured value for kind=Display frames.
type DisplayFunc func(value any)

// NewEvaluator creates an Evaluator that reports console output to console.
func NewEvaluator(console Console) *Evaluator {
	return &Evaluator{console: console}
}

// Result is the outcome of one Run call.
type Result struct {
	Status  protocol.ExecutionStatus
	Globals map[string]any
	Err     *protocol.ExecError
}

// Run executes code (already transpiled, including the __scope__ rewrite)
// against globals carried over from prior cells, within the given timeout.
// Run blocks until the script returns, the timeout elapses, or interrupt
// is closed (used to implement Cancel).
func (e *Evaluator) Run(code string, globals map[string]any, display DisplayFunc, timeout time.Duration, interrupt <-chan struct{}) Result {
	vm := goja.New()

	scope := vm.NewObject()
	for k, v := range globals {
		_ = scope.Set(k, v)
		_ = vm.Set(k, v)
	}
	_ = vm.Set("__scope__", scope)

	e.bindConsole(vm)
	e.bindDisplay(vm, display)

	done := make(chan Result, 1)
	go func() {
		done <- e.runOnce(vm, code, scope, display)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return res
	case <-timer.C:
		vm.Interrupt("timeout")
		<-done
		return Result{Status: protocol.ExecAborted, Err: &protocol.ExecError{
			EName:  "TimeoutError",
			EValue: fmt.Sprintf("execution exceeded %s", timeout),
		}}
	case <-interrupt:
		vm.Interrupt("cancelled")
		<-done
		return Result{Status: protocol.ExecAborted, Err: &protocol.ExecError{
			EName:  "CancelledError",
			EValue: "execution cancelled",
		}}
	}
}

func (e *Evaluator) runOnce(vm *goja.Runtime, code string, scope *goja.Object, display DisplayFunc) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Status: protocol.ExecError, Err: &protocol.ExecError{
				EName:  "InternalError",
				EValue: fmt.Sprintf("%v", r),
			}}
		}
	}()

	completion, err := vm.RunString(code)
	if err != nil {
		if ie, ok := err.(*goja.InterruptedError); ok {
			return Result{Status: protocol.ExecAborted, Err: &protocol.ExecError{
				EName:  "InterruptedError",
				EValue: ie.Error(),
			}}
		}
		if jsErr, ok := err.(*goja.Exception); ok {
			return Result{Status: protocol.ExecError, Err: exceptionToExecError(jsErr)}
		}
		return Result{Status: protocol.ExecError, Err: &protocol.ExecError{
			EName:  "Error",
			EValue: err.Error(),
		}}
	}

	// A cell's trailing expression statement auto-displays its completion
	// value, the same way a script statement (not a declaration) leaves a
	// non-undefined completion value behind.
	if display != nil && completion != nil && !goja.IsUndefined(completion) {
		display(completion.Export())
	}

	return Result{Status: protocol.ExecOK, Globals: snapshotScope(scope)}
}

func exceptionToExecError(jsErr *goja.Exception) *protocol.ExecError {
	val := jsErr.Value()
	name := "Error"
	message := val.String()
	if obj, ok := val.(*goja.Object); ok {
		if n := obj.Get("name"); n != nil {
			name = n.String()
		}
		if m := obj.Get("message"); m != nil {
			message = m.String()
		}
	}
	return &protocol.ExecError{
		EName:     name,
		EValue:    message,
		Traceback: []string{jsErr.Error()},
	}
}

func snapshotScope(scope *goja.Object) map[string]any {
	out := make(map[string]any)
	for _, key := range scope.Keys() {
		out[key] = scope.Get(key).Export()
	}
	return out
}

func (e *Evaluator) bindConsole(vm *goja.Runtime) {
	console := vm.NewObject()
	_ = console.Set("log", e.consoleFn(protocol.OutputStdout))
	_ = console.Set("info", e.consoleFn(protocol.OutputStdout))
	_ = console.Set("warn", e.consoleFn(protocol.OutputStderr))
	_ = console.Set("error", e.consoleFn(protocol.OutputStderr))
	_ = vm.Set("console", console)
}

func (e *Evaluator) consoleFn(kind protocol.OutputKind) func(call goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if e.console == nil {
			return goja.Undefined()
		}
		args := make([]any, len(call.Arguments))
		for i, a := range call.Arguments {
			args[i] = a.Export()
		}
		e.console.Write(kind, args)
		return goja.Undefined()
	}
}

func (e *Evaluator) bindDisplay(vm *goja.Runtime, display DisplayFunc) {
	_ = vm.Set("display", func(call goja.FunctionCall) goja.Value {
		if display == nil || len(call.Arguments) == 0 {
			return goja.Undefined()
		}
		display(call.Arguments[0].Export())
		return goja.Undefined()
	})
}
