package deliver_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/matthewmueller/bragdoc/internal/deliver"
	"github.com/matthewmueller/bragdoc/internal/gitlog"
	"github.com/matthewmueller/bragdoc/internal/gzip"
	"github.com/matthewmueller/bragdoc/internal/retry"
	"github.com/matthewmueller/logs"
)

type request struct {
	Header http.Header
	Body   struct {
		Repository *gitlog.Repository `json:"repository"`
		Commits    []*gitlog.Commit   `json:"commits"`
	}
}

// server records every request and answers with respond
type server struct {
	*httptest.Server
	mu       sync.Mutex
	requests []*request
}

func newServer(t *testing.T, respond func(n int, req *request, w http.ResponseWriter)) *server {
	t.Helper()
	s := &server{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			t.Error(err)
			return
		}
		if r.Header.Get("Content-Encoding") == "gzip" {
			if data, err = gzip.Decompress(data); err != nil {
				t.Error(err)
				return
			}
		}
		req := &request{Header: r.Header.Clone()}
		if err := json.Unmarshal(data, &req.Body); err != nil {
			t.Error(err)
			return
		}
		s.mu.Lock()
		s.requests = append(s.requests, req)
		n := len(s.requests)
		s.mu.Unlock()
		respond(n, req, w)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *server) Requests() []*request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*request(nil), s.requests...)
}

func accept(n int, req *request, w http.ResponseWriter) {
	hashes := make([]string, len(req.Body.Commits))
	for i, commit := range req.Body.Commits {
		hashes[i] = commit.Hash
	}
	json.NewEncoder(w).Encode(map[string]any{
		"processedCount":  len(hashes),
		"processedHashes": hashes,
		"achievements": []map[string]any{{
			"id":          fmt.Sprintf("ach-%d", n),
			"description": "Shipped things",
			"date":        "2024-01-01",
			"source":      map[string]any{"type": "commit", "hash": hashes[0]},
		}},
	})
}

func fail(n int, req *request, w http.ResponseWriter) {
	http.Error(w, "boom", http.StatusInternalServerError)
}

// instantSleep records each delay instead of waiting
type instantSleep struct {
	delays []time.Duration
}

func (s *instantSleep) Sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func makeCommits(n int) (commits []*gitlog.Commit) {
	for i := 1; i <= n; i++ {
		commits = append(commits, &gitlog.Commit{
			Repository: "app",
			Hash:       fmt.Sprintf("h%d", i),
			Message:    fmt.Sprintf("commit %d", i),
			Author:     "Alice",
			Date:       "2024-01-01T10:00:00Z",
			Branch:     "main",
		})
	}
	return commits
}

var repository = &gitlog.Repository{
	RemoteURL:     "git@github.com:acme/app.git",
	CurrentBranch: "main",
	Path:          "/src/app",
}

func TestPartition(t *testing.T) {
	is := is.New(t)
	for n := 0; n <= 25; n++ {
		for size := 1; size <= 7; size++ {
			commits := makeCommits(n)
			chunks := deliver.Partition(commits, size)
			is.Equal(len(chunks), (n+size-1)/size)
			var flat []*gitlog.Commit
			for i, chunk := range chunks {
				is.True(len(chunk) >= 1)
				is.True(len(chunk) <= size)
				if i < len(chunks)-1 {
					is.Equal(len(chunk), size)
				}
				flat = append(flat, chunk...)
			}
			is.Equal(len(flat), n)
			for i := range flat {
				is.Equal(flat[i], commits[i])
			}
		}
	}
}

func TestEndpoint(t *testing.T) {
	is := is.New(t)
	is.Equal(deliver.Endpoint("https://www.bragdoc.ai"), "https://www.bragdoc.ai/api/cli/commits")
	is.Equal(deliver.Endpoint("http://localhost:3000/"), "http://localhost:3000/api/cli/commits")
}

func TestDeliverBatches(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	srv := newServer(t, accept)
	sleep := &instantSleep{}
	client := deliver.New(logs.Default(), srv.Client(), &deliver.Config{
		MaxCommitsPerBatch: 2,
		Sleep:              sleep.Sleep,
	})
	var sizes []int
	for batch, err := range client.Deliver(ctx, &deliver.Request{
		URL:        deliver.Endpoint(srv.URL),
		Token:      "secret",
		Repository: repository,
		Commits:    makeCommits(5),
	}) {
		is.NoErr(err)
		is.Equal(batch.Index, len(sizes)+1)
		is.Equal(batch.Total, 3)
		is.Equal(batch.Attempts, 1)
		is.Equal(batch.Result.ProcessedCount, len(batch.Commits))
		is.Equal(len(batch.Result.Achievements), 1)
		sizes = append(sizes, len(batch.Commits))
	}
	is.Equal(sizes, []int{2, 2, 1})
	requests := srv.Requests()
	is.Equal(len(requests), 3)
	is.Equal(len(sleep.delays), 0)
	var hashes []string
	for _, req := range requests {
		is.Equal(req.Body.Repository.RemoteURL, repository.RemoteURL)
		for _, commit := range req.Body.Commits {
			hashes = append(hashes, commit.Hash)
		}
	}
	is.Equal(hashes, []string{"h1", "h2", "h3", "h4", "h5"})
}

func TestDeliverHeaders(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	srv := newServer(t, accept)
	client := deliver.New(logs.Default(), srv.Client(), &deliver.Config{MaxCommitsPerBatch: 1})
	for _, err := range client.Deliver(ctx, &deliver.Request{
		URL:        deliver.Endpoint(srv.URL),
		Token:      "secret",
		Repository: repository,
		Commits:    makeCommits(2),
	}) {
		is.NoErr(err)
	}
	requests := srv.Requests()
	is.Equal(len(requests), 2)
	for _, req := range requests {
		is.Equal(req.Header.Get("Authorization"), "Bearer secret")
		is.Equal(req.Header.Get("Content-Type"), "application/json")
		is.True(req.Header.Get("X-Request-Id") != "")
	}
	is.True(requests[0].Header.Get("X-Request-Id") != requests[1].Header.Get("X-Request-Id"))
}

func TestDeliverGzip(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	srv := newServer(t, accept)
	client := deliver.New(logs.Default(), srv.Client(), &deliver.Config{Compress: true})
	count := 0
	for batch, err := range client.Deliver(ctx, &deliver.Request{
		URL:        deliver.Endpoint(srv.URL),
		Repository: repository,
		Commits:    makeCommits(3),
	}) {
		is.NoErr(err)
		is.Equal(len(batch.Commits), 3)
		count++
	}
	is.Equal(count, 1)
	requests := srv.Requests()
	is.Equal(len(requests), 1)
	is.Equal(requests[0].Header.Get("Content-Encoding"), "gzip")
	is.Equal(requests[0].Header.Get("Authorization"), "")
	is.Equal(len(requests[0].Body.Commits), 3)
}

func TestDeliverRetryExhausted(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	srv := newServer(t, fail)
	sleep := &instantSleep{}
	client := deliver.New(logs.Default(), srv.Client(), &deliver.Config{
		MaxCommitsPerBatch: 10,
		MaxRetries:         3,
		RetryDelay:         250 * time.Millisecond,
		Sleep:              sleep.Sleep,
	})
	yielded := 0
	var failure error
	for batch, err := range client.Deliver(ctx, &deliver.Request{
		URL:        deliver.Endpoint(srv.URL),
		Repository: repository,
		Commits:    makeCommits(3),
	}) {
		if err != nil {
			is.Equal(batch, nil)
			failure = err
			continue
		}
		yielded++
	}
	is.Equal(yielded, 0)
	is.Equal(len(srv.Requests()), 3)
	is.Equal(sleep.delays, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond})
	var chunkErr *deliver.ChunkError
	is.True(errors.As(failure, &chunkErr))
	is.Equal(chunkErr.Chunk, 1)
	is.Equal(chunkErr.Total, 1)
	is.Equal(chunkErr.Attempts, 3)
	var statusErr *deliver.StatusError
	is.True(errors.As(failure, &statusErr))
	is.Equal(statusErr.Status, http.StatusInternalServerError)
	is.Equal(statusErr.Body, "boom")
	is.Equal(failure.Error(), "batch 1/1 failed after 3 attempts: unexpected status 500: boom")
}

func TestDeliverEventualSuccess(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	srv := newServer(t, func(n int, req *request, w http.ResponseWriter) {
		if n <= 2 {
			fail(n, req, w)
			return
		}
		accept(n, req, w)
	})
	sleep := &instantSleep{}
	client := deliver.New(logs.Default(), srv.Client(), &deliver.Config{
		MaxRetries: 3,
		Policy:     &retry.Exponential{Base: 100 * time.Millisecond},
		Sleep:      sleep.Sleep,
	})
	var batches []*deliver.Batch
	for batch, err := range client.Deliver(ctx, &deliver.Request{
		URL:        deliver.Endpoint(srv.URL),
		Repository: repository,
		Commits:    makeCommits(2),
	}) {
		is.NoErr(err)
		batches = append(batches, batch)
	}
	is.Equal(len(batches), 1)
	is.Equal(batches[0].Attempts, 3)
	is.Equal(len(srv.Requests()), 3)
	is.Equal(sleep.delays, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond})
	// Retries reuse the request id
	requests := srv.Requests()
	is.Equal(requests[0].Header.Get("X-Request-Id"), requests[2].Header.Get("X-Request-Id"))
}

func TestDeliverPartialFailure(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	srv := newServer(t, func(n int, req *request, w http.ResponseWriter) {
		if req.Body.Commits[0].Hash == "h3" {
			fail(n, req, w)
			return
		}
		accept(n, req, w)
	})
	client := deliver.New(logs.Default(), srv.Client(), &deliver.Config{
		MaxCommitsPerBatch: 2,
		MaxRetries:         2,
		Sleep:              (&instantSleep{}).Sleep,
	})
	var delivered []string
	var failure error
	for batch, err := range client.Deliver(ctx, &deliver.Request{
		URL:        deliver.Endpoint(srv.URL),
		Repository: repository,
		Commits:    makeCommits(6),
	}) {
		if err != nil {
			failure = err
			continue
		}
		delivered = append(delivered, batch.Result.ProcessedHashes...)
	}
	is.Equal(delivered, []string{"h1", "h2"})
	is.Equal(len(srv.Requests()), 3) // the third batch is never sent
	is.True(strings.HasPrefix(failure.Error(), "batch 2/3 failed after 2 attempts: "))
}

func TestDeliverBreak(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	srv := newServer(t, accept)
	client := deliver.New(logs.Default(), srv.Client(), &deliver.Config{MaxCommitsPerBatch: 1})
	for batch, err := range client.Deliver(ctx, &deliver.Request{
		URL:        deliver.Endpoint(srv.URL),
		Repository: repository,
		Commits:    makeCommits(5),
	}) {
		is.NoErr(err)
		is.Equal(batch.Index, 1)
		break
	}
	is.Equal(len(srv.Requests()), 1)
}

func TestDeliverInvalidResponse(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	srv := newServer(t, func(n int, req *request, w http.ResponseWriter) {
		w.Write([]byte("<html>"))
	})
	client := deliver.New(logs.Default(), srv.Client(), &deliver.Config{
		MaxRetries: 1,
		Sleep:      (&instantSleep{}).Sleep,
	})
	for _, err := range client.Deliver(ctx, &deliver.Request{
		URL:        deliver.Endpoint(srv.URL),
		Repository: repository,
		Commits:    makeCommits(1),
	}) {
		is.True(err != nil)
		is.True(strings.Contains(err.Error(), "decoding response"))
	}
	is.Equal(len(srv.Requests()), 1)
}

func TestDeliverCanceled(t *testing.T) {
	is := is.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	srv := newServer(t, func(n int, req *request, w http.ResponseWriter) {
		cancel()
		fail(n, req, w)
	})
	client := deliver.New(logs.Default(), srv.Client(), &deliver.Config{
		MaxRetries: 5,
		Sleep:      retry.Wait,
	})
	var failure error
	for _, err := range client.Deliver(ctx, &deliver.Request{
		URL:        deliver.Endpoint(srv.URL),
		Repository: repository,
		Commits:    makeCommits(1),
	}) {
		failure = err
	}
	is.True(errors.Is(failure, context.Canceled))
	is.Equal(len(srv.Requests()), 1)
}

func TestDeliverNothing(t *testing.T) {
	is := is.New(t)
	client := deliver.New(logs.Default(), nil, nil)
	count := 0
	for range client.Deliver(context.Background(), &deliver.Request{
		URL:        "http://127.0.0.1:0",
		Repository: repository,
	}) {
		count++
	}
	is.Equal(count, 0)
}

func TestDeliverInvalidRequest(t *testing.T) {
	is := is.New(t)
	client := deliver.New(logs.Default(), nil, nil)
	for batch, err := range client.Deliver(context.Background(), &deliver.Request{}) {
		is.Equal(batch, nil)
		is.True(strings.Contains(err.Error(), "missing url"))
		is.True(strings.Contains(err.Error(), "missing repository"))
	}
}
