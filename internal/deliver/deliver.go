package deliver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/matthewmueller/bragdoc/internal/gitlog"
	"github.com/matthewmueller/bragdoc/internal/gzip"
	"github.com/matthewmueller/bragdoc/internal/rate"
	"github.com/matthewmueller/bragdoc/internal/retry"
	"github.com/segmentio/ksuid"
)

// maxErrorBody bounds how much of a failed response is kept for diagnostics
const maxErrorBody = 4096

// Endpoint returns the commit ingestion URL for an API base URL
func Endpoint(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + "/api/cli/commits"
}

type Config struct {
	MaxCommitsPerBatch int
	MaxRetries         int           // attempts per batch, defaults to 3
	RetryDelay         time.Duration // defaults to 1s
	Policy             retry.Policy  // defaults to Fixed(RetryDelay)
	Sleep              retry.Sleep   // defaults to retry.Wait
	Limiter            rate.Limiter  // defaults to unlimited
	Compress           bool
}

func (c *Config) validate() (err error) {
	if c.MaxCommitsPerBatch < 0 {
		err = errors.Join(err, errors.New("max commits per batch cannot be negative"))
	} else if c.MaxCommitsPerBatch == 0 {
		c.MaxCommitsPerBatch = 100
	}
	if c.MaxRetries < 0 {
		err = errors.Join(err, errors.New("max retries cannot be negative"))
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay < 0 {
		err = errors.Join(err, errors.New("retry delay cannot be negative"))
	} else if c.RetryDelay == 0 {
		c.RetryDelay = time.Second
	}
	if c.Policy == nil {
		c.Policy = retry.Fixed(c.RetryDelay)
	}
	if c.Sleep == nil {
		c.Sleep = retry.Wait
	}
	if c.Limiter == nil {
		c.Limiter = rate.New(0)
	}
	return err
}

// New delivery client. A nil http client uses http.DefaultClient and a nil
// config uses the defaults.
func New(log *slog.Logger, hc *http.Client, config *Config) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	if config == nil {
		config = new(Config)
	}
	return &Client{log, hc, config}
}

type Client struct {
	log    *slog.Logger
	hc     *http.Client
	config *Config
}

type Request struct {
	URL        string
	Token      string
	Repository *gitlog.Repository
	Commits    []*gitlog.Commit
}

func (in *Request) validate() (err error) {
	if in.URL == "" {
		err = errors.Join(err, errors.New("missing url"))
	}
	if in.Repository == nil {
		err = errors.Join(err, errors.New("missing repository"))
	}
	return err
}

// payload is the request body for a single batch
type payload struct {
	Repository *gitlog.Repository `json:"repository"`
	Commits    []*gitlog.Commit   `json:"commits"`
}

type Result struct {
	ProcessedCount int `json:"processedCount"`
	// Hashes the server acknowledged, when it echoes them
	ProcessedHashes []string       `json:"processedHashes,omitempty"`
	Achievements    []*Achievement `json:"achievements"`
	Errors          []*CommitError `json:"errors,omitempty"`
}

type Achievement struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Date        string `json:"date"`
	Source      Source `json:"source"`
}

type Source struct {
	Type     string `json:"type"`
	Hash     string `json:"hash,omitempty"`
	PRNumber int    `json:"prNumber,omitempty"`
}

type CommitError struct {
	Commit string `json:"commit"`
	Error  string `json:"error"`
}

// Batch is a confirmed chunk of commits
type Batch struct {
	Index    int // 1-based
	Total    int
	Commits  []*gitlog.Commit
	Result   *Result
	Attempts int
}

// ChunkError is returned when a batch exhausts its retries
type ChunkError struct {
	Chunk    int
	Total    int
	Attempts int
	Err      error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("batch %d/%d failed after %d attempts: %s", e.Chunk, e.Total, e.Attempts, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// StatusError is a non-2xx response
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Status)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

// Partition commits into contiguous chunks of at most size commits
func Partition(commits []*gitlog.Commit, size int) (chunks [][]*gitlog.Commit) {
	if size <= 0 {
		size = 1
	}
	for start := 0; start < len(commits); start += size {
		end := min(start+size, len(commits))
		chunks = append(chunks, commits[start:end])
	}
	return chunks
}

// Deliver the commits one batch at a time. Each confirmed batch is yielded
// before the next one is sent. When a batch exhausts its retries a
// *ChunkError is yielded and delivery stops.
func (c *Client) Deliver(ctx context.Context, in *Request) iter.Seq2[*Batch, error] {
	return func(yield func(*Batch, error) bool) {
		if err := errors.Join(in.validate(), c.config.validate()); err != nil {
			yield(nil, fmt.Errorf("deliver: invalid request: %w", err))
			return
		}
		chunks := Partition(in.Commits, c.config.MaxCommitsPerBatch)
		for i, chunk := range chunks {
			index := i + 1
			result, attempts, err := c.deliver(ctx, in, chunk, index, len(chunks))
			if err != nil {
				yield(nil, &ChunkError{index, len(chunks), attempts, err})
				return
			}
			batch := &Batch{
				Index:    index,
				Total:    len(chunks),
				Commits:  chunk,
				Result:   result,
				Attempts: attempts,
			}
			if !yield(batch, nil) {
				return
			}
		}
	}
}

// deliver a single chunk, retrying up to MaxRetries attempts
func (c *Client) deliver(ctx context.Context, in *Request, chunk []*gitlog.Commit, index, total int) (*Result, int, error) {
	body, err := json.Marshal(&payload{in.Repository, chunk})
	if err != nil {
		return nil, 0, fmt.Errorf("encoding batch: %w", err)
	}
	if c.config.Compress {
		if body, err = gzip.Compress(body); err != nil {
			return nil, 0, fmt.Errorf("compressing batch: %w", err)
		}
	}
	// Retries of a batch share its request id
	requestID := ksuid.New().String()
	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			if err := c.config.Sleep(ctx, c.config.Policy.Delay(attempt-1)); err != nil {
				return nil, attempt - 1, err
			}
		}
		result, err := c.send(ctx, in, requestID, body)
		if err == nil {
			if attempt > 1 {
				c.log.Info("deliver: batch succeeded after retries",
					slog.Int("batch", index),
					slog.Int("total", total),
					slog.Int("attempts", attempt),
				)
			}
			return result, attempt, nil
		}
		if ctx.Err() != nil {
			return nil, attempt, ctx.Err()
		}
		c.log.Warn("deliver: batch attempt failed",
			slog.Int("batch", index),
			slog.Int("total", total),
			slog.Int("attempt", attempt),
			slog.Int("max", c.config.MaxRetries),
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
		if attempt >= c.config.MaxRetries {
			return nil, attempt, err
		}
	}
}

func (c *Client) send(ctx context.Context, in *Request, requestID string, body []byte) (*Result, error) {
	if err := c.config.Limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, in.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", requestID)
	if in.Token != "" {
		req.Header.Set("Authorization", "Bearer "+in.Token)
	}
	if c.config.Compress {
		req.Header.Set("Content-Encoding", "gzip")
	}
	res, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		tail, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return nil, &StatusError{res.StatusCode, strings.TrimSpace(string(tail))}
	}
	result := new(Result)
	if err := json.NewDecoder(res.Body).Decode(result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return result, nil
}
