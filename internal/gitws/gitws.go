// Package gitws manages per-team git workspaces: branch existence checks,
// clone-or-update, and commit metadata for display.
package gitws

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vibedeck/internal/command"
)

var ErrNotGitRepo = errors.New("not a git repository")

const (
	gitTimeout      = 60 * time.Second
	cloneTimeout    = 5 * time.Minute
	shortHashLength = 8
)

// Commit is the metadata shown alongside a preview deployment.
type Commit struct {
	Hash      string
	ShortHash string
	Author    string
	Date      time.Time
	Subject   string
}

// Client runs git through a command.Runner.
type Client struct {
	runner command.Runner
}

func NewClient(runner command.Runner) *Client {
	if runner == nil {
		runner = command.NewLocal()
	}
	return &Client{runner: runner}
}

// BranchExists checks the remote for the branch without cloning anything.
func (c *Client) BranchExists(ctx context.Context, repo, branch string) (bool, error) {
	if strings.TrimSpace(repo) == "" {
		return false, errors.New("repository is required")
	}
	if strings.TrimSpace(branch) == "" {
		return false, errors.New("branch is required")
	}
	output, err := c.run(ctx, "", gitTimeout, "ls-remote", "--heads", repo, "refs/heads/"+branch)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(output)) != "", nil
}

// CloneOrUpdate makes dir an up-to-date checkout of the branch: a fresh
// shallow single-branch clone when dir has no repository, otherwise a fetch
// plus hard reset to the remote branch head.
func (c *Client) CloneOrUpdate(ctx context.Context, repo, branch, dir string) error {
	if strings.TrimSpace(repo) == "" || strings.TrimSpace(dir) == "" {
		return errors.New("repository and directory are required")
	}
	if strings.TrimSpace(branch) == "" {
		return errors.New("branch is required")
	}

	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		if _, err := c.run(ctx, dir, gitTimeout, "fetch", "origin", branch); err != nil {
			return err
		}
		if _, err := c.run(ctx, dir, gitTimeout, "checkout", branch); err != nil {
			return err
		}
		_, err := c.run(ctx, dir, gitTimeout, "reset", "--hard", "origin/"+branch)
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("create workspace parent: %w", err)
	}
	_, err := c.runWithTimeout(ctx, "", cloneTimeout, "clone", "--branch", branch, "--single-branch", "--depth", "1", repo, dir)
	return err
}

// HeadCommit returns metadata for the checked-out commit in dir.
func (c *Client) HeadCommit(ctx context.Context, dir string) (Commit, error) {
	output, err := c.run(ctx, dir, gitTimeout, "log", "-1", "--pretty=format:%H%x00%an%x00%cI%x00%s")
	if err != nil {
		return Commit{}, err
	}
	return parseCommit(output)
}

func parseCommit(output []byte) (Commit, error) {
	fields := strings.Split(strings.TrimSpace(string(output)), "\x00")
	if len(fields) != 4 {
		return Commit{}, fmt.Errorf("unexpected git log output: %q", output)
	}
	hash := strings.TrimSpace(fields[0])
	if hash == "" {
		return Commit{}, errors.New("empty commit hash")
	}
	short := hash
	if len(short) > shortHashLength {
		short = short[:shortHashLength]
	}
	date, err := time.Parse(time.RFC3339, strings.TrimSpace(fields[2]))
	if err != nil {
		return Commit{}, fmt.Errorf("parse commit date: %w", err)
	}
	// Subject is already the first line of the message by format definition.
	return Commit{
		Hash:      hash,
		ShortHash: short,
		Author:    strings.TrimSpace(fields[1]),
		Date:      date,
		Subject:   strings.TrimSpace(fields[3]),
	}, nil
}

func (c *Client) run(ctx context.Context, dir string, timeout time.Duration, args ...string) ([]byte, error) {
	return c.runWithTimeout(ctx, dir, timeout, args...)
}

func (c *Client) runWithTimeout(ctx context.Context, dir string, timeout time.Duration, args ...string) ([]byte, error) {
	if c == nil || c.runner == nil {
		return nil, errors.New("git runner unavailable")
	}
	output, err := c.runner.Run(ctx, command.Spec{
		Name:    "git",
		Args:    args,
		Dir:     dir,
		Timeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("git %s failed: %w", args[0], err)
	}
	if output.ExitCode != 0 {
		return nil, classifyGitError(args[0], output)
	}
	return output.Stdout, nil
}

func classifyGitError(verb string, output command.Output) error {
	detail := bytes.TrimSpace(output.Stderr)
	if bytes.Contains(bytes.ToLower(detail), []byte("not a git repository")) {
		return ErrNotGitRepo
	}
	if len(detail) == 0 {
		detail = bytes.TrimSpace(output.Stdout)
	}
	if len(detail) > 0 {
		return fmt.Errorf("git %s failed: %s", verb, detail)
	}
	return fmt.Errorf("git %s exited %d", verb, output.ExitCode)
}
