// Package git wraps the git CLI for branch and commit operations and uses
// go-git for read-only working tree inspection.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/rs/zerolog"
)

const (
	defaultAuthorName  = "Lucid Coder"
	defaultAuthorEmail = "lucidcoder@localhost"
)

// Result is the outcome of a single git invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandError is returned when git exits non-zero and failure was not allowed.
type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = "no output"
	}
	return fmt.Sprintf("git %s: exit %d: %s", strings.Join(e.Args, " "), e.ExitCode, msg)
}

type runOptions struct {
	allowFailure bool
	env          []string
}

// RunOption tweaks a single RunCommand call.
type RunOption func(*runOptions)

// WithAllowFailure reports non-zero exits through Result.ExitCode instead of an error.
func WithAllowFailure() RunOption {
	return func(o *runOptions) { o.allowFailure = true }
}

// WithEnv appends KEY=VALUE pairs to the child environment.
func WithEnv(kv ...string) RunOption {
	return func(o *runOptions) { o.env = append(o.env, kv...) }
}

// Client executes git subcommands.
type Client struct {
	bin    string
	logger zerolog.Logger
}

// NewClient creates a git client. An empty bin uses "git" from PATH.
func NewClient(bin string, logger zerolog.Logger) *Client {
	if bin == "" {
		bin = "git"
	}
	return &Client{
		bin:    bin,
		logger: logger.With().Str("component", "git").Logger(),
	}
}

// Available reports whether the git binary can be found.
func (c *Client) Available() bool {
	_, err := exec.LookPath(c.bin)
	return err == nil
}

// RunCommand runs git with args in cwd.
func (c *Client) RunCommand(ctx context.Context, cwd string, args []string, opts ...RunOption) (*Result, error) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}

	cmd := exec.CommandContext(ctx, c.bin, args...)
	cmd.Dir = cwd
	if len(o.env) > 0 {
		cmd.Env = append(cmd.Environ(), o.env...)
	}
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf

	err := cmd.Run()
	res := &Result{
		Stdout: strings.TrimSpace(out.String()),
		Stderr: strings.TrimSpace(errBuf.String()),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
		}
		res.ExitCode = exitErr.ExitCode()
	}

	c.logger.Debug().
		Str("cwd", cwd).
		Strs("args", args).
		Int("exit_code", res.ExitCode).
		Msg("git command")

	if res.ExitCode != 0 && !o.allowFailure {
		return res, &CommandError{Args: args, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return res, nil
}

// IsRepo reports whether dir is the root of a git working tree.
func (c *Client) IsRepo(dir string) bool {
	_, err := gogit.PlainOpen(dir)
	return err == nil
}

// Init creates a repository whose initial branch is named branch.
func (c *Client) Init(ctx context.Context, dir, branch string) error {
	if _, err := c.RunCommand(ctx, dir, []string{"init"}); err != nil {
		return err
	}
	_, err := c.RunCommand(ctx, dir, []string{"symbolic-ref", "HEAD", "refs/heads/" + branch})
	return err
}

// CurrentBranch returns the short name of HEAD.
func (c *Client) CurrentBranch(dir string) (string, error) {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("failed to open repository: %w", err)
	}
	ref, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return ref.Name().Short(), nil
}

// BranchExists reports whether a local branch exists.
func (c *Client) BranchExists(ctx context.Context, dir, name string) (bool, error) {
	res, err := c.RunCommand(ctx, dir, []string{"rev-parse", "--verify", "--quiet", "refs/heads/" + name}, WithAllowFailure())
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

// CreateBranch creates name and checks it out. An existing branch is just checked out.
func (c *Client) CreateBranch(ctx context.Context, dir, name string) error {
	exists, err := c.BranchExists(ctx, dir, name)
	if err != nil {
		return err
	}
	if exists {
		return c.Checkout(ctx, dir, name)
	}
	_, err = c.RunCommand(ctx, dir, []string{"checkout", "-b", name})
	return err
}

// Checkout switches the working tree to name.
func (c *Client) Checkout(ctx context.Context, dir, name string) error {
	_, err := c.RunCommand(ctx, dir, []string{"checkout", name})
	return err
}

// Commit stages paths and records a commit, returning its SHA.
func (c *Client) Commit(ctx context.Context, dir string, paths []string, message string) (string, error) {
	if len(paths) > 0 {
		args := append([]string{"add", "-A", "--"}, paths...)
		if _, err := c.RunCommand(ctx, dir, args); err != nil {
			return "", err
		}
	}
	if _, err := c.RunCommand(ctx, dir, []string{"commit", "--allow-empty", "-m", message}, c.identity(ctx, dir)...); err != nil {
		return "", err
	}
	res, err := c.RunCommand(ctx, dir, []string{"rev-parse", "HEAD"})
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// Merge folds branch into target with a merge commit. A conflicted merge is
// aborted and branch is checked out again.
func (c *Client) Merge(ctx context.Context, dir, branch, target string) error {
	if err := c.Checkout(ctx, dir, target); err != nil {
		return err
	}
	msg := fmt.Sprintf("Merge branch '%s'", branch)
	if _, err := c.RunCommand(ctx, dir, []string{"merge", "--no-ff", "-m", msg, branch}, c.identity(ctx, dir)...); err != nil {
		_, _ = c.RunCommand(ctx, dir, []string{"merge", "--abort"}, WithAllowFailure())
		if cerr := c.Checkout(ctx, dir, branch); cerr != nil {
			c.logger.Error().Err(cerr).Str("branch", branch).Msg("failed to restore branch after merge failure")
		}
		return err
	}
	return nil
}

// DeleteBranch force-deletes a local branch.
func (c *Client) DeleteBranch(ctx context.Context, dir, name string) error {
	_, err := c.RunCommand(ctx, dir, []string{"branch", "-D", name})
	return err
}

// ChangedFiles lists staged, modified and untracked paths in the working tree.
func (c *Client) ChangedFiles(dir string) ([]string, error) {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}

	files := make([]string, 0, len(status))
	for file, st := range status {
		if st.Staging == gogit.Unmodified && st.Worktree == gogit.Unmodified {
			continue
		}
		files = append(files, file)
	}
	sort.Strings(files)
	return files, nil
}

// DiffFiles lists paths changed on branch since it diverged from base.
func (c *Client) DiffFiles(ctx context.Context, dir, base, branch string) ([]string, error) {
	res, err := c.RunCommand(ctx, dir, []string{"diff", "--name-only", base + "..." + branch}, WithAllowFailure())
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, nil
	}
	var files []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	sort.Strings(files)
	return files, nil
}

// identity supplies a fallback author when the repository has none configured.
func (c *Client) identity(ctx context.Context, dir string) []RunOption {
	res, err := c.RunCommand(ctx, dir, []string{"config", "user.email"}, WithAllowFailure())
	if err == nil && res.ExitCode == 0 && res.Stdout != "" {
		return nil
	}
	return []RunOption{WithEnv(
		"GIT_AUTHOR_NAME="+defaultAuthorName,
		"GIT_AUTHOR_EMAIL="+defaultAuthorEmail,
		"GIT_COMMITTER_NAME="+defaultAuthorName,
		"GIT_COMMITTER_EMAIL="+defaultAuthorEmail,
	)}
}
