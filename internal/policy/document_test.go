package policy

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func sortedEntries(entries []Entry) []Entry {
	sort.Slice(entries, func(i, j int) bool { return entries[i].ToolName < entries[j].ToolName })
	return entries
}

func TestParseDocument_YAML(t *testing.T) {
	doc := []byte(`
version: 1
policies:
  write_code:
    requires: [lint, typecheck, test]
    description: gated
  build:
    requires: [typecheck]
`)
	entries, err := ParseDocument(doc)
	if err != nil {
		t.Fatal(err)
	}

	want := []Entry{
		{ToolName: "build", Requires: []string{"typecheck"}},
		{ToolName: "write_code", Requires: []string{"lint", "typecheck", "test"}, Description: "gated"},
	}
	if diff := cmp.Diff(want, sortedEntries(entries)); diff != "" {
		t.Fatalf("entries mismatch (-want +got):\n%s", diff)
	}
}

func TestParseDocument_JSON(t *testing.T) {
	doc := []byte(`{"version": 1, "policies": {"create_file": {"requires": ["validate_path", "check_permissions"]}}}`)
	entries, err := ParseDocument(doc)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ToolName != "create_file" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if diff := cmp.Diff([]string{"validate_path", "check_permissions"}, entries[0].Requires); diff != "" {
		t.Fatalf("requires mismatch (-want +got):\n%s", diff)
	}
}

func TestParseDocument_RejectsUnknownFields(t *testing.T) {
	doc := []byte(`
policies:
  write_code:
    require: [lint]
`)
	if _, err := ParseDocument(doc); err == nil {
		t.Fatal("expected misspelled field to be rejected")
	}
}

func TestParseDocument_RejectsFutureVersion(t *testing.T) {
	if _, err := ParseDocument([]byte("version: 2\n")); err == nil {
		t.Fatal("expected unsupported version error")
	}
}

func TestParseDocument_Empty(t *testing.T) {
	entries, err := ParseDocument(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %d", len(entries))
	}
}

func TestParseDocument_TooLarge(t *testing.T) {
	big := []byte("# " + strings.Repeat("x", MaxDocumentSize))
	if _, err := ParseDocument(big); err == nil {
		t.Fatal("expected size limit error")
	}
}

func TestDefaultEntries(t *testing.T) {
	entries, err := DefaultEntries()
	if err != nil {
		t.Fatal(err)
	}

	s := NewStore()
	cat, err := s.Replace(entries, "default")
	if err != nil {
		t.Fatalf("default policy must validate: %v", err)
	}
	if diff := cmp.Diff([]string{"lint", "typecheck", "test"}, cat.Requires("write_code")); diff != "" {
		t.Fatalf("write_code requires mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"validate_path", "check_permissions"}, cat.Requires("create_file")); diff != "" {
		t.Fatalf("create_file requires mismatch (-want +got):\n%s", diff)
	}
}

func TestMarshalDocument_ParsesBack(t *testing.T) {
	in := []Entry{
		{ToolName: "build", Requires: []string{"typecheck"}, Description: "b"},
		{ToolName: "write_code", Requires: []string{"lint", "test"}},
	}
	data, err := MarshalDocument(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := ParseDocument(data)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(in, sortedEntries(out)); diff != "" {
		t.Fatalf("document mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("policies:\n  deploy:\n    requires: [build]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	entries, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ToolName != "deploy" {
		t.Fatalf("unexpected entries %+v", entries)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
