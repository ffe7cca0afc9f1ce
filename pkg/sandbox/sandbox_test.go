package sandbox

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"Droidfleet/pkg/types"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bom and zero width", "\uFEFFreturn\u200B 1;\u2060", "return 1;"},
		{"smart quotes", "log(\u201Chi\u201D, \u2018x\u2019)", `log("hi", 'x')`},
		{"line endings", "a;\r\nb;\rc;\u2028d;", "a;\nb;\nc;\nd;"},
		{"unicode spaces", "let\u00A0a\u2003=\u30001", "let a = 1"},
		{"trim", "\n\t  return 1;  \n", "return 1;"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.in); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCompileRejectsBadSyntax(t *testing.T) {
	tests := []struct {
		name string
		code string
	}{
		{"unclosed paren", "return (;"},
		{"escapes wrapper", "}); (function () {"},
		{"bad token", "let = ;"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.code)
			if !errors.Is(err, ErrInvalidSyntax) {
				t.Fatalf("expected ErrInvalidSyntax, got %v", err)
			}
			if !strings.HasPrefix(err.Error(), "Invalid script syntax: ") {
				t.Errorf("unexpected message %q", err.Error())
			}
		})
	}
}

func mustCompile(t *testing.T, code string) *Program {
	t.Helper()
	p, err := Compile(code)
	if err != nil {
		t.Fatalf("compile %q: %v", code, err)
	}
	return p
}

func TestRunSmartQuotedScript(t *testing.T) {
	p := mustCompile(t, "\uFEFFreturn \u201Cok\u201D;")
	got, err := Run(context.Background(), p, Env{})
	if err != nil {
		t.Fatal(err)
	}
	if got != "ok" {
		t.Errorf("got %v", got)
	}
}

func TestRunResultAndLog(t *testing.T) {
	var logs []string
	env := Env{
		Helpers: map[string]any{
			"add": func(a, b int) int { return a + b },
		},
		Log: func(msg string) { logs = append(logs, msg) },
		Profile: map[string]any{
			"name": "farm-01",
		},
	}
	p := mustCompile(t, `
		const sum = await helpers.add(2, 3);
		log("sum", sum, {ok: true});
		return { sum: sum, owner: profile.name, list: [1, "x"] };
	`)
	got, err := Run(context.Background(), p, env)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{"sum": float64(5), "owner": "farm-01", "list": []any{float64(1), "x"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %#v, want %#v", got, want)
	}
	if len(logs) != 1 || logs[0] != `sum 5 {"ok":true}` {
		t.Errorf("unexpected logs %q", logs)
	}
}

func TestRunStructFieldsUseJSONNames(t *testing.T) {
	env := Env{Helpers: map[string]any{
		"find": func() types.UIElement {
			return types.UIElement{X: 200, Y: 225, ResourceID: "com.app:id/login"}
		},
	}}
	p := mustCompile(t, `const el = await helpers.find(); return el.resourceId + "@" + el.x + "," + el.y;`)
	got, err := Run(context.Background(), p, env)
	if err != nil {
		t.Fatal(err)
	}
	if got != "com.app:id/login@200,225" {
		t.Errorf("got %v", got)
	}
}

func TestRunThrownErrors(t *testing.T) {
	env := Env{Helpers: map[string]any{
		"fail": func() error { return errors.New("device offline") },
	}}
	tests := []struct {
		name string
		code string
		want string
	}{
		{"error object", `throw new Error("boom");`, "boom"},
		{"plain string", `throw "plain";`, "plain"},
		{"rejected promise", `return Promise.reject(new Error("nope"));`, "nope"},
		{"go error", `await helpers.fail(); return 1;`, "device offline"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Run(context.Background(), mustCompile(t, tt.code), env)
			var se *ScriptError
			if !errors.As(err, &se) {
				t.Fatalf("expected ScriptError, got %v", err)
			}
			if se.Message != tt.want {
				t.Errorf("message = %q, want %q", se.Message, tt.want)
			}
			if !strings.Contains(se.Stack, tt.want) {
				t.Errorf("stack %q should mention %q", se.Stack, tt.want)
			}
		})
	}
}

func TestRunGoErrorIsCatchable(t *testing.T) {
	env := Env{Helpers: map[string]any{
		"fail": func() error { return errors.New("device offline") },
	}}
	p := mustCompile(t, `try { await helpers.fail(); } catch (e) { return "caught: " + e.message; }`)
	got, err := Run(context.Background(), p, env)
	if err != nil {
		t.Fatal(err)
	}
	if got != "caught: device offline" {
		t.Errorf("got %v", got)
	}
}

func TestRunInterruptedByContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := Run(ctx, mustCompile(t, `while (true) {}`), Env{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("interrupt took too long")
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	called := false
	env := Env{Helpers: map[string]any{"touch": func() { called = true }}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Run(ctx, mustCompile(t, `helpers.touch();`), env); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	if called {
		t.Error("script must not run on a cancelled context")
	}
}

func TestRunRecoversPanics(t *testing.T) {
	env := Env{Helpers: map[string]any{"explode": func() { panic("kaboom") }}}
	_, err := Run(context.Background(), mustCompile(t, `helpers.explode();`), env)
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("expected recovered panic, got %v", err)
	}
}

func TestRunHasNoHostAccess(t *testing.T) {
	p := mustCompile(t, `return [typeof require, typeof setTimeout, typeof process, typeof console];`)
	got, err := Run(context.Background(), p, Env{})
	if err != nil {
		t.Fatal(err)
	}
	want := []any{"undefined", "undefined", "undefined", "undefined"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v", got)
	}
}

func TestProgramReusable(t *testing.T) {
	p := mustCompile(t, `return profile.n * 2;`)
	for i := 1; i <= 3; i++ {
		got, err := Run(context.Background(), p, Env{Profile: map[string]any{"n": i}})
		if err != nil {
			t.Fatal(err)
		}
		if got != float64(i*2) {
			t.Errorf("run %d: got %v", i, got)
		}
	}
}
