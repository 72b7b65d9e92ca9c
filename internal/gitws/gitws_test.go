package gitws

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"vibedeck/internal/command"
)

type fakeRunner struct {
	specs   []command.Spec
	outputs []command.Output
	err     error
}

func (f *fakeRunner) Run(ctx context.Context, spec command.Spec) (command.Output, error) {
	f.specs = append(f.specs, spec)
	if f.err != nil {
		return command.Output{}, f.err
	}
	if len(f.outputs) == 0 {
		return command.Output{}, nil
	}
	output := f.outputs[0]
	if len(f.outputs) > 1 {
		f.outputs = f.outputs[1:]
	}
	return output, nil
}

func TestBranchExists(t *testing.T) {
	runner := &fakeRunner{outputs: []command.Output{
		{Stdout: []byte("a1b2c3\trefs/heads/staging\n")},
	}}
	client := NewClient(runner)

	ok, err := client.BranchExists(context.Background(), "git@example.com:t1/app.git", "staging")
	if err != nil {
		t.Fatalf("branch exists: %v", err)
	}
	if !ok {
		t.Fatal("expected branch to exist")
	}
	joined := strings.Join(runner.specs[0].Args, " ")
	if joined != "ls-remote --heads git@example.com:t1/app.git refs/heads/staging" {
		t.Fatalf("unexpected args: %q", joined)
	}
}

func TestBranchMissing(t *testing.T) {
	runner := &fakeRunner{outputs: []command.Output{{Stdout: []byte("")}}}
	client := NewClient(runner)

	ok, err := client.BranchExists(context.Background(), "repo", "gone")
	if err != nil {
		t.Fatalf("branch exists: %v", err)
	}
	if ok {
		t.Fatal("expected branch to be missing")
	}
}

func TestParseCommit(t *testing.T) {
	raw := "0123456789abcdef0123456789abcdef01234567\x00Dev One\x002025-08-20T10:30:00+02:00\x00Fix login redirect"
	commit, err := parseCommit([]byte(raw))
	if err != nil {
		t.Fatalf("parse commit: %v", err)
	}
	if commit.ShortHash != "01234567" {
		t.Fatalf("unexpected short hash: %q", commit.ShortHash)
	}
	if commit.Author != "Dev One" {
		t.Fatalf("unexpected author: %q", commit.Author)
	}
	if commit.Subject != "Fix login redirect" {
		t.Fatalf("unexpected subject: %q", commit.Subject)
	}
	expected := time.Date(2025, 8, 20, 10, 30, 0, 0, time.FixedZone("", 2*3600))
	if !commit.Date.Equal(expected) {
		t.Fatalf("unexpected date: %v", commit.Date)
	}
}

func TestParseCommitMalformed(t *testing.T) {
	if _, err := parseCommit([]byte("garbage")); err == nil {
		t.Fatal("expected error for malformed output")
	}
}

func TestClassifyNotGitRepo(t *testing.T) {
	runner := &fakeRunner{outputs: []command.Output{
		{ExitCode: 128, Stderr: []byte("fatal: not a git repository (or any of the parent directories)")},
	}}
	client := NewClient(runner)

	_, err := client.HeadCommit(context.Background(), "/tmp/nowhere")
	if !errors.Is(err, ErrNotGitRepo) {
		t.Fatalf("expected ErrNotGitRepo, got %v", err)
	}
}

func TestCloneOrUpdateFreshClone(t *testing.T) {
	runner := &fakeRunner{}
	client := NewClient(runner)

	dir := t.TempDir() + "/checkout"
	if err := client.CloneOrUpdate(context.Background(), "repo", "main", dir); err != nil {
		t.Fatalf("clone: %v", err)
	}
	joined := strings.Join(runner.specs[0].Args, " ")
	if !strings.Contains(joined, "clone --branch main --single-branch") {
		t.Fatalf("unexpected args: %q", joined)
	}
}
