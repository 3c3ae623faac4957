// Package source defines the mailbox provider abstraction used by the
// aggregation engine. Each provider package (gmail, outlook, imap)
// supplies a Factory that turns a stored account into a live Source.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/mailmux/mailmux/internal/mail"
)

// Query describes one query against a mailbox.
//
// Windowed fetches set Since/Before and leave Text empty; text
// searches set Text and leave the bounds zero. Folder is a normalized
// folder name; empty means all mail.
type Query struct {
	Folder string
	Since  time.Time // Inclusive lower bound; zero means unbounded
	Before time.Time // Exclusive upper bound; zero means unbounded
	Text   string
	Limit  int // Max messages to return; 0 means provider default
}

// Windowed reports whether the query carries a time window.
func (q Query) Windowed() bool {
	return !q.Since.IsZero() || !q.Before.IsZero()
}

// Source is an open connection to one mailbox account.
type Source interface {
	// Query returns messages matching q, newest first. Transient
	// provider failures surface as errors; the caller decides whether
	// that sinks the request or just this account's contribution.
	Query(ctx context.Context, q Query) ([]mail.Message, error)

	// Close releases the connection.
	Close() error
}

// Factory builds a Source from a stored account.
type Factory func(acct mail.Account) (Source, error)

// Registry maps providers to factories. Registration happens at
// startup; Open may be called concurrently afterwards.
type Registry struct {
	factories map[mail.Provider]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[mail.Provider]Factory)}
}

// Register installs the factory for a provider, replacing any
// previous one.
func (r *Registry) Register(p mail.Provider, f Factory) {
	r.factories[p] = f
}

// Open builds a Source for the account's provider.
func (r *Registry) Open(acct mail.Account) (Source, error) {
	f, ok := r.factories[acct.Provider]
	if !ok {
		return nil, &ConfigError{
			Account: acct.Address,
			Reason:  fmt.Sprintf("no source registered for provider %q", acct.Provider),
		}
	}
	return f(acct)
}

// ConfigError reports an account whose stored configuration cannot
// produce a usable source. Unlike a transient provider failure, it is
// fatal for the request that hits it.
type ConfigError struct {
	Account string
	Reason  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("account %s: %s", e.Account, e.Reason)
}
