package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Ref identifies a task workspace. Path is the working directory handed to
// agents and stage runners; Branch and Head are filled by providers that
// back workspaces with version control.
type Ref struct {
	TaskID string `json:"task_id"`
	Path   string `json:"path"`
	Branch string `json:"branch,omitempty"`
	Head   string `json:"head,omitempty"`
}

// Provider creates and destroys isolated task workspaces.
type Provider interface {
	Create(taskID string) (*Ref, error)
	Destroy(ref *Ref) error
}

// Pruner is implemented by providers that can sweep workspaces left over
// from earlier runs.
type Pruner interface {
	Prune() error
}

// DirProvider backs each workspace with a plain directory under a root.
// No isolation beyond the filesystem; meant for tests and for repositories
// that are not git checkouts.
type DirProvider struct {
	root string
}

// NewDirProvider creates a provider rooted at the given directory.
func NewDirProvider(root string) *DirProvider {
	return &DirProvider{root: root}
}

// Create makes a fresh directory for the task. A second workspace for the
// same task ID is an error.
func (p *DirProvider) Create(taskID string) (*Ref, error) {
	if taskID == "" {
		return nil, fmt.Errorf("task id is empty")
	}
	if err := os.MkdirAll(p.root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	path := filepath.Join(p.root, taskID)
	if err := os.Mkdir(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace for task %q: %w", taskID, err)
	}
	return &Ref{TaskID: taskID, Path: path}, nil
}

// Destroy removes the workspace directory. Paths outside the provider root
// are refused.
func (p *DirProvider) Destroy(ref *Ref) error {
	rel, err := filepath.Rel(p.root, ref.Path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("workspace %q is not under root %q", ref.Path, p.root)
	}
	if err := os.RemoveAll(ref.Path); err != nil {
		return fmt.Errorf("failed to remove workspace %q: %w", ref.Path, err)
	}
	return nil
}
