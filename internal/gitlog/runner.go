package gitlog

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner runs git with args inside dir and returns stdout
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// Exec runs the git binary found on $PATH
type Exec struct{}

var _ Runner = Exec{}

func (Exec) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		operation := "git"
		if len(args) > 0 {
			operation += " " + args[0]
		}
		// Surface git's own explanation, e.g. "not a git repository"
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%s: %s: %w", operation, msg, err)
		}
		return "", fmt.Errorf("%s: %w", operation, err)
	}
	return stdout.String(), nil
}
