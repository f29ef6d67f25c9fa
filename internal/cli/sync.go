package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/livebud/cli"
	"github.com/matthewmueller/bragdoc"
	"github.com/matthewmueller/bragdoc/caches"
	"github.com/matthewmueller/bragdoc/internal/deliver"
	"github.com/matthewmueller/bragdoc/internal/rate"
	"github.com/matthewmueller/bragdoc/internal/retry"
)

type Sync struct {
	Dir        *string
	Branch     *string
	MaxCommits *int
	Repository *string
	APIURL     *string
	DryRun     bool
	BatchSize  *int
	Cache      bool
	Retries    *int
	RetryDelay *string
	Backoff    bool
	Rate       *int
	Gzip       bool
}

func (s *Sync) command(cli cli.Command) cli.Command {
	cmd := cli.Command("sync", "send new commits to your brag document")
	cmd.Arg("dir", "repository directory").Optional().String(&s.Dir)
	cmd.Flag("branch", "branch to read commits from").Short('b').Optional().String(&s.Branch)
	cmd.Flag("max-commits", "number of recent commits to read").Short('n').Optional().Int(&s.MaxCommits)
	cmd.Flag("repo-name", "name the repository").Optional().String(&s.Repository)
	cmd.Flag("api-url", "bragdoc api url").Optional().String(&s.APIURL)
	cmd.Flag("dry-run", "print the commits without sending them").Bool(&s.DryRun).Default(false)
	cmd.Flag("batch-size", "commits per request").Optional().Int(&s.BatchSize)
	cmd.Flag("cache", "skip commits that were already sent").Bool(&s.Cache).Default(true)
	cmd.Flag("retries", "attempts per batch").Optional().Int(&s.Retries)
	cmd.Flag("retry-delay", "delay between attempts").Optional().String(&s.RetryDelay)
	cmd.Flag("backoff", "back off exponentially between attempts").Bool(&s.Backoff).Default(false)
	cmd.Flag("rate", "limit requests per second").Optional().Int(&s.Rate)
	cmd.Flag("gzip", "compress requests").Bool(&s.Gzip).Default(false)
	return cmd
}

func (c *CLI) Sync(ctx context.Context, in *Sync) error {
	dir := c.Dir
	if in.Dir != nil {
		dir = *in.Dir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(c.Dir, dir)
		}
	}

	settings := c.config.Settings
	sync := &bragdoc.Sync{
		Dir:        dir,
		MaxCommits: settings.DefaultMaxCommits,
		APIURL:     c.config.APIBaseURL,
		Auth:       c.config.Auth,
		DryRun:     in.DryRun,
		BatchSize:  settings.MaxCommitsPerBatch,
		Git:        c.Git,
		HTTP:       c.HTTP,
		Deliver: &deliver.Config{
			MaxRetries: settings.Retries,
			RetryDelay: c.config.RetryDelay(),
			Compress:   in.Gzip,
		},
	}

	// Per-repository settings from the config file
	if repo, ok := c.config.Find(dir); ok {
		if !repo.IsEnabled() {
			fmt.Fprintf(c.Stdout, "%s is disabled in your config\n", label(repo))
			return nil
		}
		sync.Repository = label(repo)
		if repo.MaxCommits > 0 {
			sync.MaxCommits = repo.MaxCommits
		}
	}

	// Flags win over the config file
	if in.Branch != nil {
		sync.Branch = *in.Branch
	}
	if in.MaxCommits != nil {
		sync.MaxCommits = *in.MaxCommits
	}
	if in.Repository != nil {
		sync.Repository = *in.Repository
	}
	if in.APIURL != nil {
		sync.APIURL = *in.APIURL
	}
	if in.BatchSize != nil {
		sync.BatchSize = *in.BatchSize
	}
	if in.Retries != nil {
		sync.Deliver.MaxRetries = *in.Retries
	}
	if in.RetryDelay != nil {
		delay, err := time.ParseDuration(*in.RetryDelay)
		if err != nil {
			return fmt.Errorf("cli: parsing retry delay: %w", err)
		} else if delay <= 0 {
			return fmt.Errorf("cli: retry delay must be positive, got %s", delay)
		}
		sync.Deliver.RetryDelay = delay
	}
	if in.Backoff {
		sync.Deliver.Policy = retry.Jitter(&retry.Exponential{
			Base: sync.Deliver.RetryDelay,
			Max:  30 * time.Second,
		}, 0.2, nil)
	}
	if in.Rate != nil {
		sync.Deliver.Limiter = rate.New(*in.Rate)
	}

	sync.Cache = caches.None
	if in.Cache && c.config.CacheEnabled() {
		cache, err := c.loadCache()
		if err != nil {
			return err
		}
		sync.Cache = cache
	}

	report, err := c.bragdoc.Sync(ctx, sync)
	if report != nil {
		c.printReport(report)
	}
	return err
}

func (c *CLI) printReport(report *bragdoc.Report) {
	name := fmt.Sprintf("%s (%s)", report.Repository, report.Branch)
	if report.Commits != nil {
		tw := tabwriter.NewWriter(c.Stdout, 0, 0, 2, ' ', 0)
		for _, commit := range report.Commits {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.Color.Green(short(commit.Hash)), subject(commit.Message), commit.Author, c.Color.Dim(when(commit.Date)))
		}
		tw.Flush()
		fmt.Fprintf(c.Stdout, "%s: %s commits would be synced\n", name, humanize.Comma(int64(len(report.Commits))))
		return
	}
	switch {
	case report.Collected == 0:
		fmt.Fprintf(c.Stdout, "%s: no commits found\n", name)
		return
	case report.Sent == 0:
		fmt.Fprintf(c.Stdout, "%s: all %s commits already synced\n", name, humanize.Comma(int64(report.Collected)))
		return
	}
	fmt.Fprintf(c.Stdout, "%s: synced %s of %s new commits in %d %s\n",
		name,
		c.Color.Green(humanize.Comma(int64(report.Delivered))),
		humanize.Comma(int64(report.Sent)),
		report.Batches,
		plural(report.Batches, "batch", "batches"),
	)
	for _, achievement := range report.Achievements {
		fmt.Fprintf(c.Stdout, "  %s %s\n", c.Color.Green("+"), achievement.Description)
	}
	for _, commitErr := range report.Errors {
		fmt.Fprintf(c.Stdout, "  %s %s\n", c.Color.Dim(short(commitErr.Commit)), commitErr.Error)
	}
}

func short(hash string) string {
	if len(hash) > 7 {
		return hash[:7]
	}
	return hash
}

func subject(message string) string {
	line, _, _ := strings.Cut(message, "\n")
	return line
}

func when(date string) string {
	t, err := time.Parse(time.RFC3339, date)
	if err != nil {
		return date
	}
	return humanize.Time(t)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
