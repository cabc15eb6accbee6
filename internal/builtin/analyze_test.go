package builtin

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/triage-ai/palisade/toolgate/internal/registry"
)

const sampleSource = `package sample

import (
	"fmt"
	"strings"
)

type Greeter struct{}

type list[T any] []T

func (g *Greeter) Greet(name string) string { return fmt.Sprint("hi ", strings.TrimSpace(name)) }

func (l list[T]) Len() int { return len(l) }

func helper() {}
`

func TestAnalyzeGo_Source(t *testing.T) {
	sb := newTestSandbox(t)

	out, err := sb.AnalyzeGo().Execute(context.Background(), registry.Args{"source": sampleSource})
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]any{
		"package":  "sample",
		"imports":  []any{"fmt", "strings"},
		"funcs":    []any{"Greeter.Greet", "helper", "list.Len"},
		"types":    []any{"Greeter", "list"},
		"exported": 3,
		"passed":   true,
	}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Fatalf("summary mismatch (-want +got):\n%s", diff)
	}
}

func TestAnalyzeGo_File(t *testing.T) {
	sb := newTestSandbox(t)
	if err := os.WriteFile(filepath.Join(sb.Root(), "x.go"), []byte("package x\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := sb.AnalyzeGo().Execute(context.Background(), registry.Args{"path": "x.go"})
	if err != nil {
		t.Fatal(err)
	}
	if out.(map[string]any)["package"] != "x" {
		t.Fatalf("unexpected result %v", out)
	}
}

func TestAnalyzeGo_SyntaxErrorFails(t *testing.T) {
	sb := newTestSandbox(t)
	if _, err := sb.AnalyzeGo().Execute(context.Background(), registry.Args{"source": "package x\nfunc {"}); err == nil {
		t.Fatal("expected parse error")
	}
}
