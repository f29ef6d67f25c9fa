package gitlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Field and record separators passed to git's pretty format. Commit messages
// can contain quotes and newlines, so neither whitespace nor newlines are safe
// delimiters.
const (
	unitSeparator    = "\x1f"
	recordTerminator = "\x00"
	logFormat        = "%H%x1f%B%x1f%an%x1f%aI%x00"
)

// ErrInvalidEntry is returned when a log record can't be split into a hash,
// message, author and date.
var ErrInvalidEntry = errors.New("invalid log entry format")

// Commit is a single commit read from the log. Commits are immutable once
// collected.
type Commit struct {
	Repository string `json:"repository"`
	Hash       string `json:"hash"`
	Message    string `json:"message"`
	Author     string `json:"author"`
	Date       string `json:"date"`
	Branch     string `json:"branch"`
}

// Repository describes the checkout commits were collected from
type Repository struct {
	RemoteURL     string `json:"remoteUrl"`
	CurrentBranch string `json:"currentBranch"`
	Path          string `json:"path"`
}

// New collector that runs git through runner
func New(runner Runner) *Collector {
	return &Collector{runner}
}

type Collector struct {
	runner Runner
}

type Collect struct {
	Dir        string
	Branch     string
	MaxCommits int
	Repository string
}

func (in *Collect) validate() (err error) {
	if in.Branch == "" {
		err = errors.Join(err, errors.New("missing branch"))
	} else if strings.HasPrefix(in.Branch, "-") {
		err = errors.Join(err, fmt.Errorf("invalid branch %q", in.Branch))
	}
	if in.MaxCommits <= 0 {
		err = errors.Join(err, errors.New("max commits must be positive"))
	}
	return err
}

// Collect up to MaxCommits commits from Branch, oldest first
func (c *Collector) Collect(ctx context.Context, in *Collect) ([]*Commit, error) {
	if err := in.validate(); err != nil {
		return nil, fmt.Errorf("failed to extract commits: %w", err)
	}
	// --reverse is applied after --max-count, so this is the newest window
	// in chronological order.
	out, err := c.runner.Run(ctx, in.Dir,
		"log",
		in.Branch,
		"--reverse",
		fmt.Sprintf("--max-count=%d", in.MaxCommits),
		"--pretty=format:"+logFormat,
		"--",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to extract commits: %w", err)
	}
	commits, err := Parse(out, in.Branch, in.Repository)
	if err != nil {
		return nil, fmt.Errorf("failed to extract commits: %w", err)
	}
	return commits, nil
}

// Parse raw log output into commits. A malformed record fails the whole parse.
func Parse(raw, branch, repository string) (commits []*Commit, err error) {
	for _, record := range strings.Split(raw, recordTerminator) {
		if strings.TrimSpace(record) == "" {
			continue
		}
		fields := strings.Split(record, unitSeparator)
		if len(fields) < 4 {
			return nil, fmt.Errorf("%w: expected 4 fields, got %d", ErrInvalidEntry, len(fields))
		}
		// A stray separator inside the message shifts the fields, so the hash
		// is always first and the author and date are always last.
		last := len(fields) - 1
		commit := &Commit{
			Repository: repository,
			Hash:       strings.TrimSpace(fields[0]),
			Message:    strings.TrimSpace(strings.Join(fields[1:last-1], unitSeparator)),
			Author:     strings.TrimSpace(fields[last-1]),
			Date:       strings.TrimSpace(fields[last]),
			Branch:     branch,
		}
		if commit.Hash == "" || commit.Message == "" || commit.Author == "" || commit.Date == "" {
			return nil, fmt.Errorf("%w: empty field in %q", ErrInvalidEntry, abbreviate(record))
		}
		commits = append(commits, commit)
	}
	return commits, nil
}

func abbreviate(s string) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, unitSeparator, " "))
	if len(s) > 40 {
		return s[:40] + "..."
	}
	return s
}
