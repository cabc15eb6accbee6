package builtin

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/triage-ai/palisade/toolgate/internal/registry"
)

// GitStatus reports the working tree status of the repository containing
// the sandbox root.
func (s *Sandbox) GitStatus() registry.Tool {
	return registry.NewFunc("git_status", "Reports branch and working tree changes of the workspace repository.",
		func(_ context.Context, _ registry.Args) (any, error) {
			repo, err := git.PlainOpenWithOptions(s.root, &git.PlainOpenOptions{DetectDotGit: true})
			if err != nil {
				return nil, fmt.Errorf("git_status: %w", err)
			}

			branch := ""
			head, err := repo.Head()
			switch {
			case err == nil:
				branch = head.Name().Short()
			case errors.Is(err, plumbing.ErrReferenceNotFound):
				// No commits yet.
			default:
				return nil, fmt.Errorf("git_status: head: %w", err)
			}

			wt, err := repo.Worktree()
			if err != nil {
				return nil, fmt.Errorf("git_status: worktree: %w", err)
			}
			st, err := wt.Status()
			if err != nil {
				return nil, fmt.Errorf("git_status: %w", err)
			}

			paths := make([]string, 0, len(st))
			for p := range st {
				paths = append(paths, p)
			}
			sort.Strings(paths)

			changes := make([]any, 0, len(paths))
			for _, p := range paths {
				fs := st[p]
				changes = append(changes, map[string]any{
					"path":     p,
					"staging":  string(rune(fs.Staging)),
					"worktree": string(rune(fs.Worktree)),
				})
			}

			return map[string]any{
				"branch":  branch,
				"clean":   st.IsClean(),
				"changes": changes,
			}, nil
		})
}
