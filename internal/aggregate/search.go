package aggregate

import (
	"context"
	"fmt"

	"github.com/mailmux/mailmux/internal/mail"
	"github.com/mailmux/mailmux/internal/source"
)

// SearchRequest asks for one page of text search results.
type SearchRequest struct {
	UserID   string
	FolderID string // Normalized folder; empty means all mail
	Query    string
	Page     int
	PageSize int // 0 means DefaultPageSize
}

func (r SearchRequest) normalized() SearchRequest {
	if r.Page < 0 {
		r.Page = 0
	}
	if r.PageSize <= 0 {
		r.PageSize = DefaultPageSize
	}
	return r
}

// SearchResult is one page of deduplicated search results.
type SearchResult struct {
	Records    []mail.Message
	TotalCount int // Size of the full deduplicated result set
	Page       int
	PageSize   int
	HasMore    bool
}

// Search fans a provider-native text query out across the user's
// accounts and paginates the merged result set by offset. Unlike
// FetchPage there is no adaptive window; each provider searches its
// full mailbox and pagination happens over the deduplicated union.
func (e *Engine) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("userID is required")
	}
	if req.Query == "" {
		return nil, fmt.Errorf("search query is required")
	}
	req = req.normalized()

	accounts, err := e.directory.ListConnected(req.UserID)
	if err != nil {
		return nil, fmt.Errorf("list accounts for %s: %w", req.UserID, err)
	}
	if len(accounts) == 0 {
		return &SearchResult{Page: req.Page, PageSize: req.PageSize}, nil
	}

	sources, err := e.openSources(accounts)
	if err != nil {
		return nil, err
	}
	defer e.closeSources(sources)

	q := source.Query{Folder: req.FolderID, Text: req.Query}

	dedupe := NewDeduplicator()
	var all []mail.Message
	for _, res := range fanOut(ctx, sources, q, e.concurrency) {
		if res.Err != nil {
			e.logger.Warn("account search failed",
				"account", res.Account.Address,
				"provider", res.Account.Provider,
				"error", res.Err)
			continue
		}
		all = append(all, dedupe.Filter(res.Records)...)
	}

	sortByTimestampDesc(all)

	start := req.Page * req.PageSize
	if start > len(all) {
		start = len(all)
	}
	end := start + req.PageSize
	if end > len(all) {
		end = len(all)
	}

	return &SearchResult{
		Records:    all[start:end],
		TotalCount: len(all),
		Page:       req.Page,
		PageSize:   req.PageSize,
		HasMore:    end < len(all),
	}, nil
}
