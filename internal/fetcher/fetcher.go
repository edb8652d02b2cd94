// Package fetcher downloads remote documents through a chain of relay endpoints.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ErrAllRelaysFailed is matched by every FetchError.
var ErrAllRelaysFailed = errors.New("all relays failed")

var errEmptyBody = errors.New("empty body")

// FetchError reports that no relay produced a body for URL.
// Err is the last underlying failure.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

// Unwrap exposes both the sentinel and the last relay error.
func (e *FetchError) Unwrap() []error {
	return []error{ErrAllRelaysFailed, e.Err}
}

// Fetcher performs GET requests through an ordered list of relays.
// Each relay gets a bounded number of attempts with linear backoff before
// the next relay is tried.
type Fetcher struct {
	client   HTTPClient
	relays   []Relay
	timeout  time.Duration
	attempts int
	backoff  time.Duration
	log      *slog.Logger
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) { f.timeout = d }
}

// WithAttempts sets the number of attempts per relay.
func WithAttempts(n int) Option {
	return func(f *Fetcher) { f.attempts = n }
}

// WithBackoff sets the backoff unit; attempt n waits n units before the next one.
func WithBackoff(d time.Duration) Option {
	return func(f *Fetcher) { f.backoff = d }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(f *Fetcher) { f.log = log }
}

// New creates a Fetcher using client for every relay request.
func New(client HTTPClient, relays []Relay, opts ...Option) *Fetcher {
	f := &Fetcher{
		client:   client,
		relays:   relays,
		timeout:  30 * time.Second,
		attempts: 3,
		backoff:  time.Second,
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.attempts < 1 {
		f.attempts = 1
	}
	return f
}

// Fetch returns the first non-empty body any relay produces for target.
// It fails with a *FetchError once every relay is exhausted.
func (f *Fetcher) Fetch(ctx context.Context, target string) (string, error) {
	if len(f.relays) == 0 {
		return "", &FetchError{URL: target, Err: errors.New("no relays configured")}
	}

	var lastErr error
	for _, relay := range f.relays {
		body, err := f.fetchVia(ctx, relay, target)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			f.log.Debug("relay failed", "relay", relay.Name(), "url", target, "error", err)
			lastErr = err
			continue
		}
		if body != "" {
			return body, nil
		}
		f.log.Debug("relay returned empty body", "relay", relay.Name(), "url", target)
		lastErr = fmt.Errorf("relay %s: %w", relay.Name(), errEmptyBody)
	}

	return "", &FetchError{URL: target, Err: lastErr}
}

func (f *Fetcher) fetchVia(ctx context.Context, relay Relay, target string) (string, error) {
	var body string
	err := retry.Do(ctx, f.linearBackoff(), func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, f.timeout)
		defer cancel()

		b, err := relay.Request(attemptCtx, f.client, target)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("relay %s: %w", relay.Name(), err))
		}
		body = b
		return nil
	})
	return body, err
}

func (f *Fetcher) linearBackoff() retry.Backoff {
	var attempt int
	next := retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		return time.Duration(attempt) * f.backoff, false
	})
	return retry.WithMaxRetries(uint64(f.attempts-1), next)
}
