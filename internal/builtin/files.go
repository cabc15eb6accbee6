package builtin

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/triage-ai/palisade/toolgate/internal/registry"
)

var (
	// ErrPathRequired is returned when a file tool is called without "path".
	ErrPathRequired = errors.New("path argument is required")

	// ErrPathEscapesRoot is returned for paths that resolve outside the root.
	ErrPathEscapesRoot = errors.New("path escapes workspace root")

	// ErrFileExists is returned by create_file when the target already exists.
	ErrFileExists = errors.New("file already exists")

	// ErrNotWritable is returned by check_permissions when the target
	// directory does not accept writes.
	ErrNotWritable = errors.New("target directory is not writable")
)

// Sandbox confines the file tools to a single directory tree.
type Sandbox struct {
	root string
}

// NewSandbox returns a sandbox rooted at root, which is made absolute.
func NewSandbox(root string) (*Sandbox, error) {
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("NewSandbox: %w", err)
	}
	real, err := resolveExisting(filepath.Clean(abs))
	if err != nil {
		return nil, fmt.Errorf("NewSandbox: %w", err)
	}
	return &Sandbox{root: real}, nil
}

// Root returns the absolute sandbox root.
func (s *Sandbox) Root() string {
	return s.root
}

// Resolve maps a user supplied path onto an absolute path inside the root.
// Relative paths are taken relative to the root. Symlinks are followed, so
// the returned path is the real location and a link pointing out of the
// root is rejected.
func (s *Sandbox) Resolve(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", ErrPathRequired
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.root, path)
	}
	path = filepath.Clean(path)
	if !s.contains(path) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapesRoot, path)
	}

	real, err := resolveExisting(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", s.relative(path), err)
	}
	if !s.contains(real) {
		return "", fmt.Errorf("%w: %s links to %s", ErrPathEscapesRoot, s.relative(path), real)
	}
	return real, nil
}

func (s *Sandbox) contains(abs string) bool {
	rel, err := filepath.Rel(s.root, abs)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// resolveExisting evaluates symlinks in the longest prefix of path that
// exists and re-attaches the components that do not exist yet.
func resolveExisting(path string) (string, error) {
	existing, rest := path, ""
	for {
		_, err := os.Lstat(existing)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return path, nil
		}
		rest = filepath.Join(filepath.Base(existing), rest)
		existing = parent
	}
	real, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	return filepath.Join(real, rest), nil
}

func (s *Sandbox) relative(abs string) string {
	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}

// ValidatePath checks that args["path"] stays inside the sandbox.
func (s *Sandbox) ValidatePath() registry.Tool {
	return registry.NewFunc("validate_path", "Checks that a path resolves inside the workspace root.",
		func(_ context.Context, args registry.Args) (any, error) {
			abs, err := s.Resolve(args.String("path"))
			if err != nil {
				return nil, err
			}
			_, statErr := os.Stat(abs)
			return map[string]any{
				"passed": true,
				"path":   s.relative(abs),
				"exists": statErr == nil,
			}, nil
		})
}

// CheckPermissions checks that the directory holding args["path"] exists
// and is writable by this process.
func (s *Sandbox) CheckPermissions() registry.Tool {
	return registry.NewFunc("check_permissions", "Checks that the target directory accepts writes.",
		func(_ context.Context, args registry.Args) (any, error) {
			abs, err := s.Resolve(args.String("path"))
			if err != nil {
				return nil, err
			}
			dir := filepath.Dir(abs)
			info, err := os.Stat(dir)
			if err != nil {
				return nil, fmt.Errorf("check_permissions: %w", err)
			}
			if !info.IsDir() {
				return nil, fmt.Errorf("%w: %s is not a directory", ErrNotWritable, s.relative(dir))
			}

			tmp, err := os.CreateTemp(dir, ".toolgate-perm-*")
			if err != nil {
				return nil, fmt.Errorf("%w: %s", ErrNotWritable, s.relative(dir))
			}
			name := tmp.Name()
			_ = tmp.Close()
			_ = os.Remove(name)

			return map[string]any{
				"passed":    true,
				"directory": s.relative(dir),
			}, nil
		})
}

// ReadFile returns the contents of args["path"].
func (s *Sandbox) ReadFile(maxBytes int64) registry.Tool {
	return registry.NewFunc("read_file", "Reads a file inside the workspace root.",
		func(_ context.Context, args registry.Args) (any, error) {
			abs, err := s.Resolve(args.String("path"))
			if err != nil {
				return nil, err
			}
			info, err := os.Stat(abs)
			if err != nil {
				return nil, fmt.Errorf("read_file: %w", err)
			}
			if maxBytes > 0 && info.Size() > maxBytes {
				return nil, fmt.Errorf("read_file: %s is %d bytes, limit is %d", s.relative(abs), info.Size(), maxBytes)
			}
			data, err := os.ReadFile(abs)
			if err != nil {
				return nil, fmt.Errorf("read_file: %w", err)
			}
			return map[string]any{
				"path":    s.relative(abs),
				"content": string(data),
				"bytes":   len(data),
			}, nil
		})
}

// CreateFile writes args["content"] to a new file at args["path"]. It fails
// when the file already exists.
func (s *Sandbox) CreateFile() registry.Tool {
	return registry.NewFunc("create_file", "Creates a new file inside the workspace root.",
		func(_ context.Context, args registry.Args) (any, error) {
			abs, err := s.Resolve(args.String("path"))
			if err != nil {
				return nil, err
			}
			content := args.String("content")

			f, err := os.OpenFile(abs, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
			if err != nil {
				if errors.Is(err, fs.ErrExist) {
					return nil, fmt.Errorf("%w: %s", ErrFileExists, s.relative(abs))
				}
				return nil, fmt.Errorf("create_file: %w", err)
			}
			if _, err := f.WriteString(content); err != nil {
				_ = f.Close()
				_ = os.Remove(abs)
				return nil, fmt.Errorf("create_file: %w", err)
			}
			if err := f.Close(); err != nil {
				return nil, fmt.Errorf("create_file: %w", err)
			}
			return map[string]any{
				"success": true,
				"path":    s.relative(abs),
				"bytes":   len(content),
			}, nil
		})
}

// WriteFile replaces the contents of args["path"], creating it if needed.
// The write goes through a temp file and rename so readers never observe a
// partial file.
func (s *Sandbox) WriteFile() registry.Tool {
	return registry.NewFunc("write_file", "Writes a file inside the workspace root.",
		func(_ context.Context, args registry.Args) (any, error) {
			abs, err := s.Resolve(args.String("path"))
			if err != nil {
				return nil, err
			}
			content := args.String("content")

			tmp, err := os.CreateTemp(filepath.Dir(abs), ".toolgate-write-*")
			if err != nil {
				return nil, fmt.Errorf("write_file: %w", err)
			}
			tmpName := tmp.Name()
			if _, err := tmp.WriteString(content); err != nil {
				_ = tmp.Close()
				_ = os.Remove(tmpName)
				return nil, fmt.Errorf("write_file: %w", err)
			}
			if err := tmp.Close(); err != nil {
				_ = os.Remove(tmpName)
				return nil, fmt.Errorf("write_file: %w", err)
			}
			if err := os.Rename(tmpName, abs); err != nil {
				_ = os.Remove(tmpName)
				return nil, fmt.Errorf("write_file: %w", err)
			}
			return map[string]any{
				"success": true,
				"path":    s.relative(abs),
				"bytes":   len(content),
			}, nil
		})
}
