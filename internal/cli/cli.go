package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/livebud/cli"
	"github.com/livebud/color"
	"github.com/matthewmueller/bragdoc"
	"github.com/matthewmueller/bragdoc/caches"
	"github.com/matthewmueller/bragdoc/internal/config"
	"github.com/matthewmueller/bragdoc/internal/gitlog"
	"github.com/matthewmueller/logs"
)

func Run() int {
	cli := Default()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	err := cli.Parse(ctx, os.Args[1:]...)
	if err != nil {
		logs.ErrorContext(ctx, err.Error())
		return 1
	}
	return 0
}

func Default() *CLI {
	return &CLI{
		Stdout: os.Stdout,
		Dir:    ".",
		Color:  color.Default(),
		HTTP:   &http.Client{Timeout: 30 * time.Second},
		Git:    gitlog.Exec{},
	}
}

type CLI struct {
	Stdout io.Writer
	Dir    string
	Color  color.Writer
	HTTP   *http.Client
	Git    gitlog.Runner

	// global flag
	logLevel string

	// Set after parsing
	log     *slog.Logger
	bragdoc *bragdoc.Client
	config  *config.Config
}

func (c *CLI) logger(logLevel string) (*slog.Logger, error) {
	level, err := logs.ParseLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("cli: parsing log level: %w", err)
	}
	log := logs.New(logs.Filter(level, logs.Console(c.Stdout)))
	return log, nil
}

func (c *CLI) loadConfig() (*config.Config, error) {
	path, err := config.Path()
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

func (c *CLI) loadCache() (*caches.Local, error) {
	dir, err := caches.Directory()
	if err != nil {
		return nil, err
	}
	return caches.Load(c.log, dir), nil
}

// label of a configured repository, defaulting to its directory name
func label(repo *config.Repository) string {
	if repo.Name != "" {
		return repo.Name
	}
	return filepath.Base(repo.Path)
}

func (c *CLI) wrap(fn func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) (err error) {
		c.log, err = c.logger(c.logLevel)
		if err != nil {
			return err
		}
		c.config, err = c.loadConfig()
		if err != nil {
			return err
		}
		c.bragdoc = bragdoc.New(c.log)
		return fn(ctx)
	}
}

func (c *CLI) Parse(ctx context.Context, args ...string) error {
	cli := cli.New("bragdoc", "sync your commits to your brag document")
	cli.Flag("log", "log configures the log level").Enum(&c.logLevel, "debug", "info", "warn", "error").Default("info")

	{ // sync [flags] [dir]
		in := &Sync{}
		cmd := in.command(cli)
		cmd.Run(c.wrap(func(ctx context.Context) error {
			return c.Sync(ctx, in)
		}))
	}

	{ // repos
		in := &Repos{}
		cmd := in.command(cli)
		cmd.Run(c.wrap(func(ctx context.Context) error {
			return c.Repos(ctx, in)
		}))
	}

	cache := cli.Command("cache", "manage the commit cache")

	{ // cache list [repo]
		in := &CacheList{}
		cmd := in.command(cache)
		cmd.Run(c.wrap(func(ctx context.Context) error {
			return c.CacheList(ctx, in)
		}))
	}

	{ // cache clear [repo]
		in := &CacheClear{}
		cmd := in.command(cache)
		cmd.Run(c.wrap(func(ctx context.Context) error {
			return c.CacheClear(ctx, in)
		}))
	}

	{ // cache stats [repo]
		in := &CacheStats{}
		cmd := in.command(cache)
		cmd.Run(c.wrap(func(ctx context.Context) error {
			return c.CacheStats(ctx, in)
		}))
	}

	return cli.Parse(ctx, args...)
}
