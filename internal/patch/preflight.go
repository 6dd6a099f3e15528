package patch

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/go-git/go-git/v5"

	"github.com/tenzoki/agenorc/internal/errs"
)

// Clone checks out repoURL (a local path or remote URL) into a fresh
// scratch directory under os.TempDir and returns its path. Modeled on
// original_source/.../core/self_evolution/self_improver.py::improve_repo's
// tempfile.mkdtemp + git.Repo.clone_from, using go-git instead of
// shelling out to the git binary.
func Clone(ctx context.Context, repoURL string) (string, error) {
	dir, err := os.MkdirTemp("", "patch-preflight-")
	if err != nil {
		return "", err
	}
	_, err = git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{URL: repoURL})
	if err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}

// RunPreflight applies diff to scratchDir, then runs each configured
// command with a wall-clock timeout. The first non-zero exit rejects the
// patch with the command's combined output as detail, the same reporting
// shape as atomic/tools/dispatcher.go::executeRunCommand.
func RunPreflight(ctx context.Context, scratchDir, diff string, allowGlobs []string, commands []string, timeout time.Duration) error {
	if err := ApplyUnifiedDiff(scratchDir, diff, allowGlobs); err != nil {
		return err
	}

	for _, command := range commands {
		cmdCtx, cancel := context.WithTimeout(ctx, timeout)
		cmd := exec.CommandContext(cmdCtx, "sh", "-c", command)
		cmd.Dir = scratchDir
		output, err := cmd.CombinedOutput()
		cancel()
		if cmdCtx.Err() == context.DeadlineExceeded {
			return errs.PreflightTimeout(command)
		}
		if err != nil {
			return &errs.PatchRejected{Stage: "preflight", Detail: command + ": " + string(output)}
		}
	}
	return nil
}
