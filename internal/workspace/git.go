package workspace

import (
	"bufio"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// GitConfig configures the git worktree provider.
type GitConfig struct {
	RepoPath    string // Absolute path to the git repository
	BaseBranch  string // Branch task branches fork from (default "main")
	WorktreeDir string // Directory under the repo for worktrees (default ".worktrees")
}

// GitProvider backs each task workspace with a git worktree on its own
// task/<id> branch, so concurrent tasks never touch each other's checkout.
type GitProvider struct {
	config GitConfig
}

// NewGitProvider creates a worktree-backed provider.
func NewGitProvider(cfg GitConfig) *GitProvider {
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	if cfg.WorktreeDir == "" {
		cfg.WorktreeDir = ".worktrees"
	}
	return &GitProvider{config: cfg}
}

// Create adds a worktree on a new task branch based on the base branch.
func (p *GitProvider) Create(taskID string) (*Ref, error) {
	branch := fmt.Sprintf("task/%s", taskID)
	path := filepath.Join(p.config.RepoPath, p.config.WorktreeDir, taskID)

	cmd := exec.Command("git", "worktree", "add", "-b", branch, path, p.config.BaseBranch)
	cmd.Dir = p.config.RepoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to create worktree: %w (output: %s)", err, string(output))
	}

	headCmd := exec.Command("git", "rev-parse", "HEAD")
	headCmd.Dir = path
	headOutput, err := headCmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to get HEAD commit: %w (output: %s)", err, string(headOutput))
	}

	return &Ref{
		TaskID: taskID,
		Path:   path,
		Branch: branch,
		Head:   strings.TrimSpace(string(headOutput)),
	}, nil
}

// Destroy removes the worktree and deletes its branch, falling back to the
// force variants when the workspace has uncommitted changes.
func (p *GitProvider) Destroy(ref *Ref) error {
	var errs []string

	removeCmd := exec.Command("git", "worktree", "remove", ref.Path)
	removeCmd.Dir = p.config.RepoPath
	if output, err := removeCmd.CombinedOutput(); err != nil {
		forceCmd := exec.Command("git", "worktree", "remove", "--force", ref.Path)
		forceCmd.Dir = p.config.RepoPath
		if forceOutput, forceErr := forceCmd.CombinedOutput(); forceErr != nil {
			errs = append(errs, fmt.Sprintf("worktree remove failed: %v (output: %s, force output: %s)", err, string(output), string(forceOutput)))
		}
	}

	branchCmd := exec.Command("git", "branch", "-d", ref.Branch)
	branchCmd.Dir = p.config.RepoPath
	if output, err := branchCmd.CombinedOutput(); err != nil {
		forceCmd := exec.Command("git", "branch", "-D", ref.Branch)
		forceCmd.Dir = p.config.RepoPath
		if forceOutput, forceErr := forceCmd.CombinedOutput(); forceErr != nil {
			errs = append(errs, fmt.Sprintf("branch delete failed: %v (output: %s, force output: %s)", err, string(output), string(forceOutput)))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("destroy errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// List returns every workspace worktree currently attached to the repo.
func (p *GitProvider) List() ([]Ref, error) {
	cmd := exec.Command("git", "worktree", "list", "--porcelain")
	cmd.Dir = p.config.RepoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w (output: %s)", err, string(output))
	}

	var refs []Ref
	var current Ref

	scanner := bufio.NewScanner(strings.NewReader(string(output)))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			// Blank line ends a worktree entry
			if current.Path != "" {
				refs = append(refs, current)
				current = Ref{}
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			branch := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(branch, "refs/heads/")
			if strings.HasPrefix(current.Branch, "task/") {
				current.TaskID = strings.TrimPrefix(current.Branch, "task/")
			}
		}
	}

	if current.Path != "" {
		refs = append(refs, current)
	}

	return refs, nil
}

// Prune cleans up metadata for worktree directories that no longer exist,
// for example after a crash.
func (p *GitProvider) Prune() error {
	cmd := exec.Command("git", "worktree", "prune")
	cmd.Dir = p.config.RepoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to prune worktrees: %w (output: %s)", err, string(output))
	}
	return nil
}
