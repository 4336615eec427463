package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// HistoryDir is the git dir of the history repository, relative to the project root.
const HistoryDir = ".sentinel/history.git"

const gitTimeout = 30 * time.Second

// Git commits the project tree into a private repository whose work tree is the
// project root. The project's own .git is never read or written.
type Git struct {
	workTree string
	gitDir   string
	excludes []string
	bin      string
	logger   zerolog.Logger
}

// NewGit creates a committer for root. excludes are added to the history
// repository's info/exclude in addition to the supervisor's own paths.
func NewGit(root string, excludes []string, logger zerolog.Logger) *Git {
	return &Git{
		workTree: root,
		gitDir:   filepath.Join(root, filepath.FromSlash(HistoryDir)),
		excludes: excludes,
		bin:      "git",
		logger:   logger.With().Str("component", "git").Logger(),
	}
}

// Available reports whether the git binary can be found.
func Available() bool {
	_, err := exec.LookPath("git")
	return err == nil
}

// Init creates the history repository on first use and refreshes its excludes.
func (g *Git) Init(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(g.gitDir, "HEAD")); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(g.gitDir, 0o755); err != nil {
			return commitErr("mkdir", err)
		}
		if _, err := g.run(ctx, "init", "--quiet"); err != nil {
			return commitErr("init", err)
		}
		if err := g.writeExcludes(); err != nil {
			return err
		}
		// The baseline commit lets remediation restore files that predate supervision.
		if _, err := g.Commit(ctx, ".", "baseline"); err != nil {
			return err
		}
		g.logger.Info().Str("git_dir", g.gitDir).Msg("history repository created")
		return nil
	}
	return g.writeExcludes()
}

func (g *Git) writeExcludes() error {
	lines := append([]string{"/.sentinel/", "/.git/", "sentinel.db*"}, g.excludes...)
	infoDir := filepath.Join(g.gitDir, "info")
	if err := os.MkdirAll(infoDir, 0o755); err != nil {
		return commitErr("exclude", err)
	}
	if err := os.WriteFile(filepath.Join(infoDir, "exclude"), []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		return commitErr("exclude", err)
	}
	return nil
}

// Commit stages relPath, falling back to staging everything, and commits with
// --allow-empty so that every call yields a new commit.
func (g *Git) Commit(ctx context.Context, relPath, message string) (string, error) {
	if _, err := g.run(ctx, "add", "-A", "--", relPath); err != nil {
		g.logger.Debug().Err(err).Str("path", relPath).Msg("path staging failed, staging all")
		if _, err := g.run(ctx, "add", "-A"); err != nil {
			return "", commitErr("add", err)
		}
	}
	if _, err := g.run(ctx, "commit", "--quiet", "--allow-empty", "--no-verify", "-m", message); err != nil {
		return "", commitErr("commit", err)
	}
	out, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", commitErr("rev-parse", err)
	}
	return strings.TrimSpace(out), nil
}

// Restore checks relPath out of HEAD, or deletes it when HEAD does not contain it.
// The file is only deleted once git has positively reported it absent from HEAD;
// any other git failure is returned as a CommitError and the tree is left alone.
func (g *Git) Restore(ctx context.Context, relPath string) (bool, error) {
	rel := filepath.ToSlash(relPath)
	present, err := g.inHead(ctx, rel)
	if err != nil {
		return false, commitErr("lookup", err)
	}
	if present {
		if _, err := g.run(ctx, "checkout", "HEAD", "--", relPath); err != nil {
			return true, commitErr("checkout", err)
		}
		return true, nil
	}

	full := filepath.Join(g.workTree, filepath.FromSlash(relPath))
	if err := os.RemoveAll(full); err != nil {
		return false, commitErr("remove", err)
	}
	return false, nil
}

func (g *Git) inHead(ctx context.Context, rel string) (bool, error) {
	_, err := g.run(ctx, "cat-file", "-e", "HEAD:"+rel)
	if err == nil {
		return true, nil
	}
	if pathMissing(err) {
		return false, nil
	}
	out, lsErr := g.run(ctx, "ls-tree", "--name-only", "HEAD", "--", rel)
	if lsErr != nil {
		return false, fmt.Errorf("%w (ls-tree: %v)", err, lsErr)
	}
	if strings.TrimSpace(out) != "" {
		return false, err
	}
	return false, nil
}

// pathMissing reports whether err is git's answer for a path absent from a
// resolvable tree, as opposed to a broken or unreadable repository.
func pathMissing(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() != 128 {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "does not exist in") || strings.Contains(msg, "exists on disk, but not in")
}

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	full := append([]string{
		"--git-dir=" + g.gitDir,
		"--work-tree=" + g.workTree,
		"-c", "user.name=sentinel",
		"-c", "user.email=sentinel@localhost",
		"-c", "commit.gpgsign=false",
		"-c", "core.autocrlf=false",
	}, args...)
	cmd := exec.CommandContext(ctx, g.bin, full...)
	cmd.Dir = g.workTree
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_OPTIONAL_LOCKS=0", "LC_ALL=C")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Unversioned stands in for Git when no git binary is installed. Snapshots are
// still recorded, all of them degraded, and nothing can be restored.
type Unversioned struct{}

func (Unversioned) Init(context.Context) error { return nil }

func (Unversioned) Commit(context.Context, string, string) (string, error) { return "", nil }

func (Unversioned) Restore(context.Context, string) (bool, error) {
	return false, commitErr("restore", errors.New("no history repository"))
}
