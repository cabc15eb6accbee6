package policy

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// MaxDocumentSize bounds policy documents read from disk.
const MaxDocumentSize = 1024 * 1024

//go:embed default_policy.yaml
var defaultPolicyYAML []byte

// Document is the on-disk policy configuration. JSON documents parse too,
// since JSON is valid YAML.
//
//	version: 1
//	policies:
//	  write_code:
//	    requires: [lint, typecheck, test]
//	    description: Code writes follow a clean lint/typecheck/test pass.
type Document struct {
	Version  int                      `yaml:"version"`
	Policies map[string]DocumentEntry `yaml:"policies"`
}

// DocumentEntry is one tool's block in a Document.
type DocumentEntry struct {
	Requires    []string `yaml:"requires"`
	Description string   `yaml:"description"`
}

// ParseDocument decodes a policy document into entries. Unknown fields are
// rejected so that a typo such as "require:" does not silently unrestrict a
// tool.
func ParseDocument(data []byte) ([]Entry, error) {
	if len(data) > MaxDocumentSize {
		return nil, fmt.Errorf("policy document exceeds %d bytes", MaxDocumentSize)
	}

	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse policy document: %w", err)
	}

	if doc.Version > 1 {
		return nil, fmt.Errorf("unsupported policy document version %d", doc.Version)
	}

	entries := make([]Entry, 0, len(doc.Policies))
	for name, p := range doc.Policies {
		entries = append(entries, Entry{
			ToolName:    name,
			Requires:    p.Requires,
			Description: p.Description,
		})
	}
	return entries, nil
}

// LoadFile reads and parses the policy document at path.
func LoadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open policy file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return ParseDocument(data)
}

// DefaultEntries returns the policy compiled into the binary.
func DefaultEntries() ([]Entry, error) {
	return ParseDocument(defaultPolicyYAML)
}

// MarshalDocument renders entries back to the document format.
func MarshalDocument(entries []Entry) ([]byte, error) {
	doc := Document{
		Version:  1,
		Policies: make(map[string]DocumentEntry, len(entries)),
	}
	for _, e := range entries {
		doc.Policies[e.ToolName] = DocumentEntry{
			Requires:    e.Requires,
			Description: e.Description,
		}
	}
	return yaml.Marshal(doc)
}
