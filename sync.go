package bragdoc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/matthewmueller/bragdoc/caches"
	"github.com/matthewmueller/bragdoc/internal/config"
	"github.com/matthewmueller/bragdoc/internal/deliver"
	"github.com/matthewmueller/bragdoc/internal/gitlog"
)

var (
	ErrNotAuthenticated = errors.New(`not authenticated: run "bragdoc login"`)
	ErrAuthExpired      = errors.New("authentication expired")
)

type Sync struct {
	Dir        string
	Branch     string // defaults to the current branch
	MaxCommits int
	Repository string // defaults to the repository's directory name
	APIURL     string
	Auth       config.Auth
	DryRun     bool
	BatchSize  int
	Cache      caches.Cache
	Deliver    *deliver.Config
	Git        gitlog.Runner
	HTTP       *http.Client
	Now        func() time.Time
}

func (in *Sync) validate() (err error) {
	if in.Dir == "" {
		in.Dir = "."
	}
	if in.MaxCommits < 0 {
		err = errors.Join(err, errors.New("max commits cannot be negative"))
	} else if in.MaxCommits == 0 {
		in.MaxCommits = 100
	}
	if in.BatchSize < 0 {
		err = errors.Join(err, errors.New("batch size cannot be negative"))
	} else if in.BatchSize == 0 {
		in.BatchSize = 100
	}
	if in.APIURL == "" {
		in.APIURL = config.DefaultAPIBaseURL
	}
	if in.Cache == nil {
		err = errors.Join(err, errors.New("missing cache"))
	}
	if in.Deliver == nil {
		in.Deliver = new(deliver.Config)
	}
	if in.Git == nil {
		in.Git = gitlog.Exec{}
	}
	if in.Now == nil {
		in.Now = time.Now
	}
	return err
}

// authenticate fails fast before anything reaches the network
func (in *Sync) authenticate() error {
	if in.Auth.Token == "" {
		return ErrNotAuthenticated
	}
	if in.Auth.Expired(in.Now()) {
		return ErrAuthExpired
	}
	return nil
}

// Report summarizes a sync. It's returned alongside delivery errors with
// whatever completed before the failure.
type Report struct {
	Repository   string
	Branch       string
	Remote       *gitlog.Repository
	Collected    int
	Cached       int
	Sent         int
	Delivered    int
	Batches      int
	Achievements []*deliver.Achievement
	Errors       []*deliver.CommitError
	// Collected commits, only set on a dry run
	Commits []*gitlog.Commit
}

// Sync collects the newest commits of a repository and delivers the ones that
// haven't been delivered before. Each confirmed batch is recorded in the cache
// before the next batch is sent.
func (c *Client) Sync(ctx context.Context, in *Sync) (*Report, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if !in.DryRun {
		if err := in.authenticate(); err != nil {
			return nil, err
		}
	}

	remote, err := gitlog.RepositoryInfo(in.Dir)
	if err != nil {
		return nil, err
	}
	report := &Report{
		Repository: in.Repository,
		Branch:     in.Branch,
		Remote:     remote,
	}
	if report.Branch == "" {
		report.Branch = remote.CurrentBranch
	}
	if report.Repository == "" {
		report.Repository = filepath.Base(remote.Path)
	}
	log := c.log.With(slog.String("repo", report.Repository), slog.String("branch", report.Branch))

	commits, err := gitlog.New(in.Git).Collect(ctx, &gitlog.Collect{
		Dir:        remote.Path,
		Branch:     report.Branch,
		MaxCommits: in.MaxCommits,
		Repository: report.Repository,
	})
	if err != nil {
		return nil, err
	}
	report.Collected = len(commits)
	if len(commits) == 0 {
		log.Info("bragdoc: no commits found")
		return report, nil
	}
	if in.DryRun {
		report.Commits = commits
		return report, nil
	}

	var fresh []*gitlog.Commit
	for _, commit := range commits {
		ok, err := in.Cache.Has(report.Repository, commit.Hash)
		if err != nil {
			return nil, err
		}
		if ok {
			report.Cached++
			continue
		}
		fresh = append(fresh, commit)
	}
	if len(fresh) == 0 {
		log.Info("bragdoc: all commits already synced", slog.Int("commits", len(commits)))
		return report, nil
	}
	report.Sent = len(fresh)
	log.Debug("bragdoc: syncing commits", slog.Int("new", len(fresh)), slog.Int("cached", report.Cached))

	settings := *in.Deliver
	settings.MaxCommitsPerBatch = in.BatchSize
	client := deliver.New(c.log, in.HTTP, &settings)
	for batch, err := range client.Deliver(ctx, &deliver.Request{
		URL:        deliver.Endpoint(in.APIURL),
		Token:      in.Auth.Token,
		Repository: remote,
		Commits:    fresh,
	}) {
		if err != nil {
			return report, err
		}
		hashes := confirmed(batch)
		if err := in.Cache.Add(report.Repository, hashes); err != nil {
			return report, fmt.Errorf("bragdoc: recording batch %d/%d: %w", batch.Index, batch.Total, err)
		}
		report.Batches++
		report.Delivered += len(hashes)
		report.Achievements = append(report.Achievements, batch.Result.Achievements...)
		report.Errors = append(report.Errors, batch.Result.Errors...)
		log.Info("bragdoc: delivered batch",
			slog.Int("batch", batch.Index),
			slog.Int("total", batch.Total),
			slog.Int("commits", len(hashes)),
			slog.Int("achievements", len(batch.Result.Achievements)),
		)
		for _, commitErr := range batch.Result.Errors {
			log.Warn("bragdoc: commit rejected", slog.String("commit", commitErr.Commit), slog.String("error", commitErr.Error))
		}
	}
	return report, nil
}

// confirmed returns the hashes of the batch the server processed. Without an
// echo of the hashes, the first processedCount commits are assumed processed.
func confirmed(batch *deliver.Batch) (hashes []string) {
	if echoed := batch.Result.ProcessedHashes; len(echoed) > 0 {
		processed := make(map[string]bool, len(echoed))
		for _, hash := range echoed {
			processed[hash] = true
		}
		for _, commit := range batch.Commits {
			if processed[commit.Hash] {
				hashes = append(hashes, commit.Hash)
			}
		}
		return hashes
	}
	n := min(max(batch.Result.ProcessedCount, 0), len(batch.Commits))
	for _, commit := range batch.Commits[:n] {
		hashes = append(hashes, commit.Hash)
	}
	return hashes
}
