// Package aggregate implements the adaptive window aggregation engine:
// it fans a time-windowed query out across a user's connected accounts,
// deduplicates and merges the results, and tunes the window size from
// the observed message density so most requests fill a batch in one
// upstream round trip.
//
// The tuning loop runs at most three attempts per request. Each attempt
// queries the same batch offset; when the yield falls short, the window
// is re-estimated proportionally from the raw (pre-dedup) count and the
// attempt is retried with the wider window. Windows that converge, cap
// out, or come back empty end the loop early. Successful window sizes
// are persisted per (user, folder) and seed the next request.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/mailmux/mailmux/internal/mail"
	"github.com/mailmux/mailmux/internal/source"
)

const (
	// DefaultBatchSize is the target record count per aggregation batch.
	DefaultBatchSize = 200

	// DefaultPageSize is the fallback page size for search pagination.
	DefaultPageSize = 50

	defaultConcurrency = 8
)

// Directory lists the accounts the engine aggregates over.
type Directory interface {
	ListConnected(userID string) ([]mail.Account, error)
}

// PatternStore persists learned window sizes. Pattern returns
// (nil, nil) when nothing has been learned for the pair.
type PatternStore interface {
	Pattern(userID, folderID string) (*mail.FetchPattern, error)
	SavePattern(p *mail.FetchPattern) error
}

// Opener turns a stored account into a live source. It fails when the
// provider is unregistered or the stored credential is unusable.
type Opener interface {
	Open(acct mail.Account) (source.Source, error)
}

// Engine aggregates messages across a user's connected accounts.
type Engine struct {
	directory   Directory
	patterns    PatternStore
	opener      Opener
	logger      *slog.Logger
	concurrency int
	now         func() time.Time
}

// Option is a functional option for Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithConcurrency bounds how many accounts are queried in parallel.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithNow sets the wall clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine over the given collaborators.
func New(directory Directory, patterns PatternStore, opener Opener, opts ...Option) *Engine {
	e := &Engine{
		directory:   directory,
		patterns:    patterns,
		opener:      opener,
		logger:      slog.Default(),
		concurrency: defaultConcurrency,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Request asks for one aggregated batch.
type Request struct {
	UserID    string
	FolderID  string // Normalized folder; empty means all mail
	Page      int    // Batch offset, 0-based
	BatchSize int    // Target record count; 0 means DefaultBatchSize
}

func (r Request) normalized() Request {
	if r.Page < 0 {
		r.Page = 0
	}
	if r.BatchSize <= 0 {
		r.BatchSize = DefaultBatchSize
	}
	return r
}

// Result is one aggregated batch, newest first.
type Result struct {
	Records      []mail.Message
	TotalCount   int
	AttemptsUsed int // 0 when the user has no connected accounts
	WindowHours  int // Window size of the last executed attempt
	HasMore      bool
}

// FetchPage runs the adaptive aggregation loop for one batch.
//
// The wall clock is captured once, so every attempt of a request
// resolves its window against the same instant. Per-account failures
// reduce yield but never fail the request; only account configuration
// problems surface as errors.
func (e *Engine) FetchPage(ctx context.Context, req Request) (*Result, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("userID is required")
	}
	req = req.normalized()

	accounts, err := e.directory.ListConnected(req.UserID)
	if err != nil {
		return nil, fmt.Errorf("list accounts for %s: %w", req.UserID, err)
	}
	if len(accounts) == 0 {
		return &Result{}, nil
	}

	sources, err := e.openSources(accounts)
	if err != nil {
		return nil, err
	}
	defer e.closeSources(sources)

	hours := e.seedHours(req.UserID, req.FolderID)
	now := e.now()

	dedupe := NewDeduplicator()
	var accumulated []mail.Message
	attempts := 0

	for attempts < maxAttempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		attempts++

		window := TimeWindow{HoursBack: hours, BatchOffset: req.Page}
		since, before := window.Bounds(now)
		q := source.Query{
			Folder: req.FolderID,
			Since:  since,
			Before: before,
			Limit:  req.BatchSize,
		}

		raw := 0
		for _, res := range fanOut(ctx, sources, q, e.concurrency) {
			if res.Err != nil {
				e.logger.Warn("account fetch failed",
					"account", res.Account.Address,
					"provider", res.Account.Provider,
					"attempt", attempts,
					"error", res.Err)
				continue
			}
			raw += len(res.Records)
			accumulated = append(accumulated, dedupe.Filter(res.Records)...)
		}

		e.logger.Debug("aggregation attempt",
			"user", req.UserID, "folder", req.FolderID,
			"attempt", attempts, "hours", hours,
			"raw", raw, "accumulated", len(accumulated))

		if len(accumulated) >= req.BatchSize {
			break
		}
		if raw == 0 {
			break
		}
		next := nextHours(hours, req.BatchSize, raw)
		if next == hours || next > MaxWindowHours {
			break
		}
		hours = next
	}

	if len(accumulated) >= req.BatchSize {
		pat := &mail.FetchPattern{
			UserID:            req.UserID,
			FolderID:          req.FolderID,
			OptimalHours:      hours,
			EmailsInLastFetch: len(accumulated),
			LastFetchedAt:     now,
		}
		if err := e.patterns.SavePattern(pat); err != nil {
			e.logger.Warn("persist fetch pattern failed",
				"user", req.UserID, "folder", req.FolderID, "error", err)
		}
	}

	sortByTimestampDesc(accumulated)

	return &Result{
		Records:      accumulated,
		TotalCount:   len(accumulated),
		AttemptsUsed: attempts,
		WindowHours:  hours,
		HasMore:      len(accumulated) >= req.BatchSize,
	}, nil
}

// seedHours picks the first window size: the learned pattern when one
// exists, else the baseline. Pattern read failures fall back to the
// baseline; the pattern store is a cache, not a dependency.
func (e *Engine) seedHours(userID, folderID string) int {
	pat, err := e.patterns.Pattern(userID, folderID)
	if err != nil {
		e.logger.Warn("read fetch pattern failed",
			"user", userID, "folder", folderID, "error", err)
		return BaselineHours
	}
	if pat == nil || pat.OptimalHours <= 0 {
		return BaselineHours
	}
	return clampHours(pat.OptimalHours)
}

// openSources opens one source per account. Any failure closes the
// already-opened sources and fails the request.
func (e *Engine) openSources(accounts []mail.Account) ([]accountSource, error) {
	sources := make([]accountSource, 0, len(accounts))
	for _, acct := range accounts {
		src, err := e.opener.Open(acct)
		if err != nil {
			e.closeSources(sources)
			return nil, fmt.Errorf("open source for %s: %w", acct.Address, err)
		}
		sources = append(sources, accountSource{account: acct, src: src})
	}
	return sources, nil
}

func (e *Engine) closeSources(sources []accountSource) {
	for _, s := range sources {
		if err := s.src.Close(); err != nil {
			e.logger.Debug("close source", "account", s.account.Address, "error", err)
		}
	}
}

// sortByTimestampDesc orders records newest first, preserving arrival
// order for equal timestamps.
func sortByTimestampDesc(records []mail.Message) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
}
