// Package outlook implements the Microsoft Graph mailbox source.
package outlook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	graphcore "github.com/microsoftgraph/msgraph-sdk-go-core"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/mailmux/mailmux/internal/mail"
	"github.com/mailmux/mailmux/internal/source"
)

const (
	defaultLimit    = 500
	defaultPageSize = 100
)

// wellKnownFolders maps normalized folders to Graph well-known folder
// names. Unmapped names pass through as literal folder IDs.
var wellKnownFolders = map[string]string{
	mail.FolderInbox:   "inbox",
	mail.FolderSent:    "sentitems",
	mail.FolderDrafts:  "drafts",
	mail.FolderTrash:   "deleteditems",
	mail.FolderSpam:    "junkemail",
	mail.FolderArchive: "archive",
}

// selectFields are the message properties requested from Graph.
var selectFields = []string{
	"id", "subject", "from", "toRecipients", "ccRecipients",
	"bodyPreview", "receivedDateTime", "isRead", "flag", "hasAttachments",
}

// Client queries one Outlook account through Microsoft Graph.
// It implements source.Source.
type Client struct {
	client   *msgraphsdk.GraphServiceClient
	account  mail.Account
	logger   *slog.Logger
	pageSize int32
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithPageSize sets the Graph page size ($top) used when listing.
func WithPageSize(n int32) Option {
	return func(c *Client) {
		c.pageSize = n
	}
}

// NewFactory returns a source.Factory that opens Outlook accounts.
func NewFactory(opts ...Option) source.Factory {
	return func(acct mail.Account) (source.Source, error) {
		return New(acct, opts...)
	}
}

// New creates a Graph-backed source for the account. The stored
// credential is used as a delegated access token.
func New(acct mail.Account, opts ...Option) (*Client, error) {
	if acct.Credential == "" {
		return nil, &source.ConfigError{Account: acct.Address, Reason: "missing Graph access token"}
	}

	cred := &staticTokenCredential{token: acct.Credential}
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, &source.ConfigError{Account: acct.Address, Reason: fmt.Sprintf("create Graph client: %v", err)}
	}

	c := &Client{
		client:   client,
		account:  acct,
		logger:   slog.Default(),
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close implements source.Source. Graph connections are stateless.
func (c *Client) Close() error {
	return nil
}

// Query implements source.Source.
func (c *Client) Query(ctx context.Context, q source.Query) ([]mail.Message, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	top := c.pageSize
	if int(top) > limit {
		top = int32(limit)
	}

	result, err := c.firstPage(ctx, q, top)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	var messages []mail.Message
	iterator, err := graphcore.NewPageIterator[models.Messageable](
		result, c.client.GetAdapter(), models.CreateMessageCollectionResponseFromDiscriminatorValue)
	if err != nil {
		return nil, fmt.Errorf("page iterator: %w", err)
	}

	err = iterator.Iterate(ctx, func(m models.Messageable) bool {
		messages = append(messages, c.mapMessage(m, q.Folder))
		return len(messages) < limit
	})
	if err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return messages, nil
}

// firstPage issues the initial Graph list request. Folder-scoped
// queries go through the mailFolders path so well-known names resolve;
// the all-mail path lists across folders.
func (c *Client) firstPage(ctx context.Context, q source.Query, top int32) (models.MessageCollectionResponseable, error) {
	filter := buildFilter(q)
	search := searchClause(q.Text)
	folder := graphFolder(q.Folder)

	if folder == "" {
		qp := &users.ItemMessagesRequestBuilderGetQueryParameters{
			Top:    &top,
			Select: selectFields,
		}
		if search != "" {
			qp.Search = &search
		} else {
			if filter != "" {
				qp.Filter = &filter
			}
			// $search and $orderby are mutually exclusive in Graph.
			qp.Orderby = []string{"receivedDateTime desc"}
		}
		return c.client.Me().Messages().Get(ctx, &users.ItemMessagesRequestBuilderGetRequestConfiguration{
			QueryParameters: qp,
		})
	}

	qp := &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
		Top:    &top,
		Select: selectFields,
	}
	if search != "" {
		qp.Search = &search
	} else {
		if filter != "" {
			qp.Filter = &filter
		}
		qp.Orderby = []string{"receivedDateTime desc"}
	}
	return c.client.Me().MailFolders().ByMailFolderId(folder).Messages().Get(ctx,
		&users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{
			QueryParameters: qp,
		})
}

// graphFolder resolves a normalized folder to a Graph folder ID.
func graphFolder(folder string) string {
	if folder == "" {
		return ""
	}
	if wellKnown, ok := wellKnownFolders[folder]; ok {
		return wellKnown
	}
	return folder
}

// buildFilter renders the window bounds as an OData filter.
func buildFilter(q source.Query) string {
	const layout = "2006-01-02T15:04:05Z"
	switch {
	case !q.Since.IsZero() && !q.Before.IsZero():
		return fmt.Sprintf("receivedDateTime ge %s and receivedDateTime lt %s",
			q.Since.UTC().Format(layout), q.Before.UTC().Format(layout))
	case !q.Since.IsZero():
		return fmt.Sprintf("receivedDateTime ge %s", q.Since.UTC().Format(layout))
	case !q.Before.IsZero():
		return fmt.Sprintf("receivedDateTime lt %s", q.Before.UTC().Format(layout))
	default:
		return ""
	}
}

// searchClause quotes a text query the way $search expects.
func searchClause(text string) string {
	if text == "" {
		return ""
	}
	return fmt.Sprintf("%q", text)
}

// mapMessage converts a Graph message to a normalized record. Graph
// getters return pointers; every field is nil-checked.
func (c *Client) mapMessage(m models.Messageable, folder string) mail.Message {
	msg := mail.Message{
		AccountID: c.account.ID,
		Provider:  mail.ProviderOutlook,
		Read:      true,
	}
	if folder != "" {
		msg.Folders = []string{folder}
	}

	if id := m.GetId(); id != nil {
		msg.ID = *id
	}
	if subject := m.GetSubject(); subject != nil {
		msg.Subject = *subject
	}
	if from := m.GetFrom(); from != nil {
		msg.From = recipientAddress(from)
	}
	if to := m.GetToRecipients(); to != nil {
		msg.To = extractAddresses(to)
	}
	if cc := m.GetCcRecipients(); cc != nil {
		msg.Cc = extractAddresses(cc)
	}
	if preview := m.GetBodyPreview(); preview != nil {
		msg.Snippet = *preview
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		msg.Timestamp = rcvd.UTC()
	}
	if read := m.GetIsRead(); read != nil {
		msg.Read = *read
	}
	if flag := m.GetFlag(); flag != nil {
		if status := flag.GetFlagStatus(); status != nil && *status == models.FLAGGED_FOLLOWUPFLAGSTATUS {
			msg.Starred = true
		}
	}
	if has := m.GetHasAttachments(); has != nil {
		msg.HasAttachments = *has
	}

	return msg
}

// recipientAddress extracts one address from a Graph recipient.
func recipientAddress(r models.Recipientable) mail.Address {
	var addr mail.Address
	if emailAddr := r.GetEmailAddress(); emailAddr != nil {
		if name := emailAddr.GetName(); name != nil {
			addr.Name = *name
		}
		if a := emailAddr.GetAddress(); a != nil {
			addr.Email = *a
		}
	}
	return addr
}

// extractAddresses extracts email addresses from recipients.
func extractAddresses(recipients []models.Recipientable) []mail.Address {
	addrs := make([]mail.Address, 0, len(recipients))
	for _, r := range recipients {
		addrs = append(addrs, recipientAddress(r))
	}
	return addrs
}

// staticTokenCredential implements the Azure credential interface over
// an already-issued delegated token.
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(1 * time.Hour),
	}, nil
}

// Ensure Client implements the source interface.
var _ source.Source = (*Client)(nil)
