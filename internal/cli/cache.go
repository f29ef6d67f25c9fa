package cli

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/livebud/cli"
)

type CacheList struct {
	Repo *string
}

func (c *CacheList) command(cli cli.Command) cli.Command {
	cmd := cli.Command("list", "list cached commits")
	cmd.Arg("repo", "repository name").Optional().String(&c.Repo)
	return cmd
}

// CacheList prints the cached hashes of a repository, or every cached
// repository when none is given
func (c *CLI) CacheList(ctx context.Context, in *CacheList) error {
	cache, err := c.loadCache()
	if err != nil {
		return err
	}
	if in.Repo == nil {
		stats, err := cache.Stats("")
		if err != nil {
			return err
		}
		for _, repo := range sortedKeys(stats.RepoStats) {
			fmt.Fprintln(c.Stdout, repo)
		}
		return nil
	}
	hashes, err := cache.List(*in.Repo)
	if err != nil {
		return err
	}
	for _, hash := range hashes {
		fmt.Fprintln(c.Stdout, hash)
	}
	return nil
}

type CacheClear struct {
	Repo *string
}

func (c *CacheClear) command(cli cli.Command) cli.Command {
	cmd := cli.Command("clear", "clear cached commits")
	cmd.Arg("repo", "repository name").Optional().String(&c.Repo)
	return cmd
}

func (c *CLI) CacheClear(ctx context.Context, in *CacheClear) error {
	cache, err := c.loadCache()
	if err != nil {
		return err
	}
	if in.Repo == nil {
		if err := cache.Clear(""); err != nil {
			return err
		}
		fmt.Fprintln(c.Stdout, "cleared the cache")
		return nil
	}
	if err := cache.Clear(*in.Repo); err != nil {
		return err
	}
	fmt.Fprintf(c.Stdout, "cleared the cache for %s\n", *in.Repo)
	return nil
}

type CacheStats struct {
	Repo *string
}

func (c *CacheStats) command(cli cli.Command) cli.Command {
	cmd := cli.Command("stats", "count cached commits")
	cmd.Arg("repo", "repository name").Optional().String(&c.Repo)
	return cmd
}

func (c *CLI) CacheStats(ctx context.Context, in *CacheStats) error {
	cache, err := c.loadCache()
	if err != nil {
		return err
	}
	repo := ""
	if in.Repo != nil {
		repo = *in.Repo
	}
	stats, err := cache.Stats(repo)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.Stdout, 0, 0, 2, ' ', 0)
	for _, name := range sortedKeys(stats.RepoStats) {
		fmt.Fprintf(tw, "%s\t%s\n", name, humanize.Comma(int64(stats.RepoStats[name])))
	}
	fmt.Fprintf(tw, "%s\t%s\n", c.Color.Dim(fmt.Sprintf("%d %s", stats.Repositories, plural(stats.Repositories, "repository", "repositories"))), c.Color.Dim(humanize.Comma(int64(stats.Commits))))
	return tw.Flush()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
