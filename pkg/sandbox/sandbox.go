// Package sandbox validates and executes user scripts in an isolated goja
// runtime. A script is the body of an async function whose only capabilities
// are the objects passed to Run.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/dop251/goja"
	"github.com/dop251/goja/parser"
)

// Params is the exact parameter list of every script function
var Params = []string{"helpers", "human", "cloudflare", "log", "profile"}

// ErrInvalidSyntax marks scripts rejected before execution
var ErrInvalidSyntax = errors.New("invalid script syntax")

// SyntaxError carries the parser message of a rejected script
type SyntaxError struct {
	Msg string
}

func (e *SyntaxError) Error() string { return "Invalid script syntax: " + e.Msg }

func (e *SyntaxError) Is(target error) bool { return target == ErrInvalidSyntax }

// ScriptError is an exception thrown by the script, or a rejection of the
// promise it returned.
type ScriptError struct {
	Message string
	Stack   string
}

func (e *ScriptError) Error() string { return e.Message }

// Program is a validated script, ready to run any number of times
type Program struct {
	prog   *goja.Program
	source string
}

// Source returns the sanitized script body
func (p *Program) Source() string { return p.source }

const scriptName = "script.js"

// Compile sanitizes code and parses it as the body of the script function
// without running anything.
func Compile(code string) (*Program, error) {
	src := Sanitize(code)
	// body starts on the wrapper's line so reported line numbers match the user's text
	wrapped := "(async function (" + strings.Join(Params, ", ") + ") {" + src + "\n})"

	ast, err := parser.ParseFile(nil, scriptName, wrapped, 0)
	if err != nil {
		return nil, &SyntaxError{Msg: err.Error()}
	}
	// a body like "}); foo(); (function () {" parses but escapes the wrapper
	if len(ast.Body) != 1 {
		return nil, &SyntaxError{Msg: "unbalanced braces close the script function early"}
	}
	prog, err := goja.CompileAST(ast, false)
	if err != nil {
		return nil, &SyntaxError{Msg: err.Error()}
	}
	return &Program{prog: prog, source: src}, nil
}

// Validate reports whether code would compile
func Validate(code string) error {
	_, err := Compile(code)
	return err
}

// Env holds the capabilities bound into one execution. Helpers, Human,
// Cloudflare and Profile are exposed as-is; Go functions among them that
// return a non-nil error throw inside the script.
type Env struct {
	Helpers    any
	Human      any
	Cloudflare any
	Log        func(msg string)
	Profile    any
}

// Run executes p in a fresh runtime. The returned value is the script's
// resolved result, normalized to plain JSON-compatible Go values.
// Cancelling ctx interrupts the script at its next instruction.
func Run(ctx context.Context, p *Program, env Env) (result any, err error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("script runtime panic: %v\n%s", r, debug.Stack())
		}
	}()

	if ctx.Err() != nil {
		return nil, fmt.Errorf("script not started: %w", ctx.Err())
	}
	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(ctx.Err())
	})
	defer stop()

	fnVal, err := vm.RunProgram(p.prog)
	if err != nil {
		return nil, convertError(ctx, err)
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return nil, errors.New("script did not evaluate to a function")
	}

	logFn := env.Log
	if logFn == nil {
		logFn = func(string) {}
	}
	ret, err := fn(goja.Undefined(),
		vm.ToValue(env.Helpers),
		vm.ToValue(env.Human),
		vm.ToValue(env.Cloudflare),
		vm.ToValue(logFunc(logFn)),
		vm.ToValue(env.Profile),
	)
	if err != nil {
		return nil, convertError(ctx, err)
	}

	promise, ok := ret.Export().(*goja.Promise)
	if !ok {
		return exportJSON(ret), nil
	}
	switch promise.State() {
	case goja.PromiseStateFulfilled:
		return exportJSON(promise.Result()), nil
	case goja.PromiseStateRejected:
		if ctx.Err() != nil {
			return nil, fmt.Errorf("script interrupted: %w", ctx.Err())
		}
		return nil, thrown(promise.Result())
	default:
		// bound functions are synchronous, so a pending promise can only be
		// waiting on something the script itself never resolves
		return nil, errors.New("script awaited a promise that never settled")
	}
}

// logFunc adapts a string sink to a variadic JS function: strings are used
// verbatim, everything else is rendered as JSON.
func logFunc(sink func(string)) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, formatValue(arg))
		}
		sink(strings.Join(parts, " "))
		return goja.Undefined()
	}
}

func formatValue(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	if s, ok := v.Export().(string); ok {
		return s
	}
	if obj, ok := v.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) && obj.ClassName() == "Error" {
			return obj.String()
		}
	}
	b, err := json.Marshal(v.Export())
	if err != nil {
		return v.String()
	}
	return string(b)
}

// exportJSON round-trips through JSON so callers see the same value a JSON
// consumer would, falling back to the raw export.
func exportJSON(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	raw := v.Export()
	b, err := json.Marshal(raw)
	if err != nil {
		return raw
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return raw
	}
	return out
}

func convertError(ctx context.Context, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if ctx.Err() != nil {
			return fmt.Errorf("script interrupted: %w", ctx.Err())
		}
		return fmt.Errorf("script interrupted: %v", interrupted.Value())
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		se := thrown(ex.Value())
		if trace := ex.String(); len(trace) > len(se.Stack) {
			se.Stack = trace
		}
		return se
	}
	return err
}

// thrown extracts message and stack from a thrown value. Error objects
// contribute their message property, anything else its string form.
func thrown(v goja.Value) *ScriptError {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return &ScriptError{Message: "script threw " + fmt.Sprint(v)}
	}
	se := &ScriptError{Message: v.String(), Stack: v.String()}
	obj, ok := v.(*goja.Object)
	if !ok {
		return se
	}
	if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
		se.Message = msg.String()
	}
	if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
		se.Stack = stack.String()
	}
	return se
}
