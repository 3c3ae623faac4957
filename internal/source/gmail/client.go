// Package gmail implements the Gmail mailbox source.
//
// Queries go straight to the Gmail REST API with metadata-format
// reads: a list call resolves the window to message IDs, then a
// bounded worker pool hydrates each ID into a normalized record.
package gmail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	netmail "net/mail"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/mailmux/mailmux/internal/mail"
	"github.com/mailmux/mailmux/internal/source"
)

const (
	baseURL      = "https://gmail.googleapis.com/gmail/v1"
	maxRetries   = 12  // Covers ~10 minutes of network outages
	maxBackoff   = 600 // Max backoff in seconds
	defaultLimit = 500 // Gmail's maxResults ceiling per list call
)

// folderLabels maps normalized folders to Gmail system label IDs.
// ARCHIVE has no label; it is expressed through the search query.
var folderLabels = map[string]string{
	mail.FolderInbox:  "INBOX",
	mail.FolderSent:   "SENT",
	mail.FolderDrafts: "DRAFT",
	mail.FolderTrash:  "TRASH",
	mail.FolderSpam:   "SPAM",
}

var labelFolders = map[string]string{
	"INBOX": mail.FolderInbox,
	"SENT":  mail.FolderSent,
	"DRAFT": mail.FolderDrafts,
	"TRASH": mail.FolderTrash,
	"SPAM":  mail.FolderSpam,
}

// Client queries one Gmail account. It implements source.Source.
type Client struct {
	httpClient  *http.Client
	rateLimiter *RateLimiter
	logger      *slog.Logger
	account     mail.Account
	userID      string // "me" for the authenticated user
	concurrency int    // Max parallel requests for hydration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithConcurrency sets the max concurrent requests for hydration.
func WithConcurrency(n int) ClientOption {
	return func(c *Client) {
		c.concurrency = n
	}
}

// WithRateLimiter sets a custom rate limiter.
func WithRateLimiter(rl *RateLimiter) ClientOption {
	return func(c *Client) {
		c.rateLimiter = rl
	}
}

// NewFactory returns a source.Factory that opens Gmail accounts.
func NewFactory(opts ...ClientOption) source.Factory {
	return func(acct mail.Account) (source.Source, error) {
		ts, err := tokenSource(acct)
		if err != nil {
			return nil, err
		}
		return NewClient(acct, ts, opts...), nil
	}
}

// tokenSource builds an oauth2 token source from the stored credential.
// The credential is either a bare access token or a JSON oauth2.Token.
func tokenSource(acct mail.Account) (oauth2.TokenSource, error) {
	cred := strings.TrimSpace(acct.Credential)
	if cred == "" {
		return nil, &source.ConfigError{Account: acct.Address, Reason: "missing OAuth credential"}
	}
	if strings.HasPrefix(cred, "{") {
		var tok oauth2.Token
		if err := json.Unmarshal([]byte(cred), &tok); err != nil {
			return nil, &source.ConfigError{Account: acct.Address, Reason: fmt.Sprintf("malformed OAuth token: %v", err)}
		}
		return oauth2.StaticTokenSource(&tok), nil
	}
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cred}), nil
}

// NewClient creates a new Gmail source for the account.
func NewClient(acct mail.Account, tokenSource oauth2.TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		httpClient:  oauth2.NewClient(context.Background(), tokenSource),
		account:     acct,
		userID:      "me",
		concurrency: 10,
		logger:      slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	// Default rate limiter if not set
	if c.rateLimiter == nil {
		c.rateLimiter = NewRateLimiter(5.0)
	}

	return c
}

// Close releases resources held by the client.
func (c *Client) Close() error {
	// HTTP client doesn't need explicit closing
	return nil
}

// Query implements source.Source.
func (c *Client) Query(ctx context.Context, q source.Query) ([]mail.Message, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	ids, err := c.listMessages(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	return c.getMessagesBatch(ctx, ids)
}

// listMessages resolves the query to message IDs, paging until the
// limit is reached or the listing is exhausted.
func (c *Client) listMessages(ctx context.Context, q source.Query, limit int) ([]string, error) {
	query := buildQuery(q)
	label := folderLabels[q.Folder]

	var ids []string
	pageToken := ""
	for len(ids) < limit {
		remaining := limit - len(ids)
		if remaining > defaultLimit {
			remaining = defaultLimit
		}

		params := url.Values{}
		params.Set("maxResults", strconv.Itoa(remaining))
		if label != "" {
			params.Set("labelIds", label)
		}
		if query != "" {
			params.Set("q", query)
		}
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		path := fmt.Sprintf("/users/%s/messages?%s", c.userID, params.Encode())
		data, err := c.request(ctx, OpMessagesList, "GET", path)
		if err != nil {
			return nil, err
		}

		var resp listMessagesResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("parse message list: %w", err)
		}

		for _, m := range resp.Messages {
			ids = append(ids, m.ID)
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// getMessagesBatch hydrates message IDs in parallel with rate limiting.
func (c *Client) getMessagesBatch(ctx context.Context, ids []string) ([]mail.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	results := make([]*mail.Message, len(ids))
	sem := make(chan struct{}, c.concurrency)

	g, ctx := errgroup.WithContext(ctx)

	for i, id := range ids {
		i, id := i, id // Capture for goroutine

		g.Go(func() error {
			// Acquire semaphore
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return ctx.Err()
			}

			msg, err := c.getMessage(ctx, id)
			if err != nil {
				// Log but don't fail the batch - allow partial results
				c.logger.Warn("failed to fetch message", "id", id, "error", err)
				return nil
			}

			results[i] = msg
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	messages := make([]mail.Message, 0, len(ids))
	for _, m := range results {
		if m != nil {
			messages = append(messages, *m)
		}
	}
	return messages, nil
}

// getMessage fetches one message in metadata format.
func (c *Client) getMessage(ctx context.Context, id string) (*mail.Message, error) {
	params := url.Values{}
	params.Set("format", "metadata")
	for _, h := range []string{"From", "To", "Cc", "Subject"} {
		params.Add("metadataHeaders", h)
	}

	path := fmt.Sprintf("/users/%s/messages/%s?%s", c.userID, id, params.Encode())
	data, err := c.request(ctx, OpMessagesGet, "GET", path)
	if err != nil {
		return nil, err
	}

	var resp metadataMessageResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	return c.mapMessage(resp), nil
}

// buildQuery assembles the Gmail search expression for a query.
// Window bounds use epoch seconds, which after:/before: accept.
func buildQuery(q source.Query) string {
	var parts []string
	if !q.Since.IsZero() {
		parts = append(parts, fmt.Sprintf("after:%d", q.Since.Unix()))
	}
	if !q.Before.IsZero() {
		parts = append(parts, fmt.Sprintf("before:%d", q.Before.Unix()))
	}
	if q.Folder == mail.FolderArchive {
		// Archived mail is whatever carries none of the other
		// system labels.
		parts = append(parts, "-in:inbox", "-in:trash", "-in:spam")
	}
	if q.Text != "" {
		parts = append(parts, q.Text)
	}
	return strings.Join(parts, " ")
}

func (c *Client) mapMessage(resp metadataMessageResponse) *mail.Message {
	msg := &mail.Message{
		ID:        resp.ID,
		AccountID: c.account.ID,
		Provider:  mail.ProviderGmail,
		Snippet:   resp.Snippet,
		Read:      true,
	}

	ms, _ := strconv.ParseInt(resp.InternalDate, 10, 64)
	msg.Timestamp = time.UnixMilli(ms).UTC()

	for _, l := range resp.LabelIDs {
		switch l {
		case "UNREAD":
			msg.Read = false
		case "STARRED":
			msg.Starred = true
		default:
			if folder, ok := labelFolders[l]; ok {
				msg.Folders = append(msg.Folders, folder)
			}
		}
	}

	for _, h := range resp.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "subject":
			msg.Subject = h.Value
		case "from":
			if addrs := parseAddresses(h.Value); len(addrs) > 0 {
				msg.From = addrs[0]
			}
		case "to":
			msg.To = parseAddresses(h.Value)
		case "cc":
			msg.Cc = parseAddresses(h.Value)
		}
	}

	return msg
}

// parseAddresses parses an RFC 5322 address list. A malformed list
// falls back to the raw header value so the record is never dropped.
func parseAddresses(raw string) []mail.Address {
	if raw == "" {
		return nil
	}
	parsed, err := netmail.ParseAddressList(raw)
	if err != nil {
		return []mail.Address{{Email: strings.TrimSpace(raw)}}
	}
	out := make([]mail.Address, len(parsed))
	for i, a := range parsed {
		out[i] = mail.Address{Name: a.Name, Email: a.Address}
	}
	return out
}

// request makes an HTTP request with rate limiting and retry logic.
func (c *Client) request(ctx context.Context, op Operation, method, path string) ([]byte, error) {
	// Acquire rate limit tokens
	if err := c.rateLimiter.Acquire(ctx, op); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	reqURL := baseURL + path

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.calculateBackoff(attempt)
			c.logger.Debug("retrying request", "attempt", attempt, "backoff", backoff, "path", path)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http request: %w", err)
			continue // Retry on network errors
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		// Check for success
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return respBody, nil
		}

		// Handle specific error codes
		switch resp.StatusCode {
		case 429: // Rate limited
			// Debug level: the retry logic handles this automatically
			c.logger.Debug("rate limited, backing off 30s", "path", path, "attempt", attempt)
			c.rateLimiter.Throttle(30 * time.Second)
			lastErr = fmt.Errorf("rate limited (429)")
			continue

		case 403: // Could be rate limit or permission error
			// Gmail returns 403 for quota exceeded with "rateLimitExceeded" reason
			if isRateLimitError(respBody) {
				c.logger.Debug("quota exceeded, backing off 60s", "path", path, "attempt", attempt)
				c.rateLimiter.Throttle(60 * time.Second)
				lastErr = fmt.Errorf("quota exceeded (403)")
				continue // Retry with backoff
			}
			// Actual permission error - don't retry
			return nil, fmt.Errorf("forbidden (403): %s", string(respBody))

		case 500, 502, 503, 504: // Server errors
			lastErr = fmt.Errorf("server error (%d)", resp.StatusCode)
			continue

		case 401: // Unauthorized - token might be expired
			return nil, fmt.Errorf("unauthorized (401): token may be invalid")

		case 404: // Not found
			return nil, &NotFoundError{Path: path}

		default: // Other client errors - don't retry
			return nil, fmt.Errorf("request failed (%d): %s", resp.StatusCode, string(respBody))
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// calculateBackoff returns the backoff duration for a retry attempt.
// Uses exponential backoff with full jitter.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	// Exponential: 1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 600, 600...
	base := float64(uint(1) << uint(attempt))
	if base > maxBackoff {
		base = maxBackoff
	}

	// Full jitter: random value between 0 and base
	jittered := rand.Float64() * base
	return time.Duration(jittered * float64(time.Second))
}

// isRateLimitError checks if a 403 response is actually a rate limit error.
// Gmail returns 403 with "rateLimitExceeded" for quota exceeded instead of 429.
func isRateLimitError(body []byte) bool {
	return bytes.Contains(body, []byte("rateLimitExceeded")) ||
		bytes.Contains(body, []byte("RATE_LIMIT_EXCEEDED")) ||
		bytes.Contains(body, []byte("Quota exceeded")) ||
		bytes.Contains(body, []byte("userRateLimitExceeded"))
}

// NotFoundError indicates a 404 response.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Path)
}

// Gmail API JSON response types (unexported, used only for JSON unmarshaling).

type gmailMessageRef struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

type listMessagesResponse struct {
	Messages           []gmailMessageRef `json:"messages"`
	NextPageToken      string            `json:"nextPageToken"`
	ResultSizeEstimate int64             `json:"resultSizeEstimate"`
}

type messageHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type messagePayload struct {
	Headers []messageHeader `json:"headers"`
}

type metadataMessageResponse struct {
	ID           string         `json:"id"`
	ThreadID     string         `json:"threadId"`
	LabelIDs     []string       `json:"labelIds"`
	Snippet      string         `json:"snippet"`
	InternalDate string         `json:"internalDate"`
	SizeEstimate int64          `json:"sizeEstimate"`
	Payload      messagePayload `json:"payload"`
}

// Ensure Client implements the source interface.
var _ source.Source = (*Client)(nil)
