package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/livebud/cli"
)

type Repos struct{}

func (r *Repos) command(cli cli.Command) cli.Command {
	cmd := cli.Command("repos", "list configured repositories")
	return cmd
}

func (c *CLI) Repos(ctx context.Context, in *Repos) error {
	if len(c.config.Repositories) == 0 {
		fmt.Fprintln(c.Stdout, "no repositories configured")
		return nil
	}
	cache, err := c.loadCache()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.Stdout, 0, 0, 2, ' ', 0)
	for _, repo := range c.config.Repositories {
		name := label(repo)
		stats, err := cache.Stats(name)
		if err != nil {
			return err
		}
		status := c.Color.Green("enabled")
		if !repo.IsEnabled() {
			status = c.Color.Dim("disabled")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s cached\n", name, repo.Path, status, humanize.Comma(int64(stats.Commits)))
	}
	return tw.Flush()
}
