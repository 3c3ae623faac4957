// Package imap implements the IMAP mailbox source.
//
// The connection is established lazily and reused across queries. A
// query resolves the folder to one or more mailboxes, runs UID SEARCH
// in each, and fetches envelope data for the matching UIDs.
package imap

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	imap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/mailmux/mailmux/internal/mail"
	"github.com/mailmux/mailmux/internal/source"
)

const defaultLimit = 500

// specialUseAttrs maps normalized folders to the RFC 6154 special-use
// attributes a server may advertise on LIST.
var specialUseAttrs = map[string]imap.MailboxAttr{
	mail.FolderSent:    imap.MailboxAttrSent,
	mail.FolderDrafts:  imap.MailboxAttrDrafts,
	mail.FolderTrash:   imap.MailboxAttrTrash,
	mail.FolderSpam:    imap.MailboxAttrJunk,
	mail.FolderArchive: imap.MailboxAttrArchive,
}

// fallbackNames lists common mailbox names per folder for servers
// that do not advertise special-use attributes.
var fallbackNames = map[string][]string{
	mail.FolderSent:    {"Sent", "Sent Items", "Sent Messages", "[Gmail]/Sent Mail"},
	mail.FolderDrafts:  {"Drafts", "[Gmail]/Drafts"},
	mail.FolderTrash:   {"Trash", "Deleted Items", "Deleted Messages", "[Gmail]/Trash"},
	mail.FolderSpam:    {"Junk", "Spam", "Junk E-mail", "[Gmail]/Spam"},
	mail.FolderArchive: {"Archive", "Archives", "[Gmail]/All Mail"},
}

// Option is a functional option for Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// Client queries one IMAP account. It implements source.Source.
type Client struct {
	settings *Settings
	password string
	account  mail.Account
	logger   *slog.Logger

	mu              sync.Mutex
	conn            *imapclient.Client
	selectedMailbox string            // currently selected mailbox
	mailboxCache    []string          // cached list of selectable mailboxes
	specialUse      map[string]string // normalized folder -> mailbox name
}

// NewFactory returns a source.Factory that opens IMAP accounts.
func NewFactory(opts ...Option) source.Factory {
	return func(acct mail.Account) (source.Source, error) {
		settings, err := ParseSettings(acct.Settings)
		if err != nil {
			return nil, &source.ConfigError{Account: acct.Address, Reason: err.Error()}
		}
		if acct.Credential == "" {
			return nil, &source.ConfigError{Account: acct.Address, Reason: "missing IMAP password"}
		}
		return NewClient(acct, settings, acct.Credential, opts...), nil
	}
}

// NewClient creates a new IMAP source for the account. The server is
// not contacted until the first query.
func NewClient(acct mail.Account, settings *Settings, password string, opts ...Option) *Client {
	c := &Client{
		settings: settings,
		password: password,
		account:  acct,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// connect establishes and authenticates the IMAP connection. Caller
// must hold mu.
func (c *Client) connect(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	addr := c.settings.Addr()
	c.logger.Debug("connecting to IMAP server", "addr", addr, "tls", c.settings.TLS, "starttls", c.settings.STARTTLS)

	imapOpts := &imapclient.Options{}
	var (
		conn *imapclient.Client
		err  error
	)
	if c.settings.TLS {
		conn, err = imapclient.DialTLS(addr, imapOpts)
	} else if c.settings.STARTTLS {
		conn, err = imapclient.DialStartTLS(addr, imapOpts)
	} else {
		conn, err = imapclient.DialInsecure(addr, imapOpts)
	}
	if err != nil {
		return fmt.Errorf("dial IMAP %s: %w", addr, err)
	}

	if err := conn.Login(c.settings.Username, c.password).Wait(); err != nil {
		_ = conn.Close()
		return fmt.Errorf("IMAP login: %w", err)
	}

	c.conn = conn
	c.selectedMailbox = ""
	c.logger.Debug("connected and authenticated", "user", c.settings.Username)
	return nil
}

// withConn runs fn with the active connection, connecting if
// necessary. It holds the mutex for the duration of fn.
func (c *Client) withConn(ctx context.Context, fn func(*imapclient.Client) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connect(ctx); err != nil {
		return err
	}
	return fn(c.conn)
}

// selectMailbox selects a mailbox if not already selected. Caller must
// hold mu.
func (c *Client) selectMailbox(mailbox string) error {
	if c.selectedMailbox == mailbox {
		return nil
	}
	if _, err := c.conn.Select(mailbox, nil).Wait(); err != nil {
		return fmt.Errorf("SELECT %q: %w", mailbox, err)
	}
	c.selectedMailbox = mailbox
	return nil
}

// listMailboxesLocked returns all selectable mailboxes, caching the
// result and the special-use mapping. Caller must hold mu.
func (c *Client) listMailboxesLocked() ([]string, error) {
	if c.mailboxCache != nil {
		return c.mailboxCache, nil
	}

	items, err := c.conn.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("LIST: %w", err)
	}

	var names []string
	bySpecialUse := make(map[string]string)
	for _, item := range items {
		if hasAttr(item.Attrs, imap.MailboxAttrNoSelect) {
			continue
		}
		names = append(names, item.Mailbox)
		for folder, attr := range specialUseAttrs {
			if _, ok := bySpecialUse[folder]; !ok && hasAttr(item.Attrs, attr) {
				bySpecialUse[folder] = item.Mailbox
			}
		}
	}

	c.mailboxCache = names
	c.specialUse = bySpecialUse
	return names, nil
}

// hasAttr checks whether attr is in the attrs list.
func hasAttr(attrs []imap.MailboxAttr, attr imap.MailboxAttr) bool {
	for _, a := range attrs {
		if a == attr {
			return true
		}
	}
	return false
}

// resolveFolder maps a normalized folder to a concrete mailbox name.
// Resolution prefers the server's special-use attributes, then common
// names, then a literal case-insensitive match. Empty means the folder
// has no counterpart on this server.
func resolveFolder(folder string, names []string, bySpecialUse map[string]string) string {
	if folder == mail.FolderInbox {
		return "INBOX"
	}
	if mb, ok := bySpecialUse[folder]; ok {
		return mb
	}
	for _, candidate := range fallbackNames[folder] {
		for _, mb := range names {
			if strings.EqualFold(mb, candidate) {
				return mb
			}
		}
	}
	for _, mb := range names {
		if strings.EqualFold(mb, folder) {
			return mb
		}
	}
	return ""
}

// Query implements source.Source.
func (c *Client) Query(ctx context.Context, q source.Query) ([]mail.Message, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	criteria := buildSearchCriteria(q)

	var out []mail.Message
	err := c.withConn(ctx, func(conn *imapclient.Client) error {
		mailboxes, err := c.queryMailboxesLocked(q.Folder)
		if err != nil {
			return err
		}
		for _, mailbox := range mailboxes {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if len(out) >= limit {
				break
			}
			msgs, err := c.searchMailboxLocked(conn, mailbox, criteria, q, limit-len(out))
			if err != nil {
				c.logger.Warn("skipping mailbox", "account", c.account.Address, "mailbox", mailbox, "error", err)
				continue
			}
			out = append(out, msgs...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// queryMailboxesLocked resolves a folder to the mailboxes to search.
// An empty folder searches every selectable mailbox. Caller must
// hold mu.
func (c *Client) queryMailboxesLocked(folder string) ([]string, error) {
	names, err := c.listMailboxesLocked()
	if err != nil {
		return nil, err
	}
	if folder == "" {
		return names, nil
	}
	mailbox := resolveFolder(folder, names, c.specialUse)
	if mailbox == "" {
		c.logger.Debug("folder has no mailbox on this server", "account", c.account.Address, "folder", folder)
		return nil, nil
	}
	return []string{mailbox}, nil
}

// searchMailboxLocked runs UID SEARCH in one mailbox and fetches
// envelope data for the newest matches. Caller must hold mu.
func (c *Client) searchMailboxLocked(conn *imapclient.Client, mailbox string, criteria *imap.SearchCriteria, q source.Query, limit int) ([]mail.Message, error) {
	if err := c.selectMailbox(mailbox); err != nil {
		return nil, err
	}

	searchData, err := conn.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("UID SEARCH: %w", err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}
	// UIDs ascend with arrival; keep the newest when over the limit.
	if len(uids) > limit {
		uids = uids[len(uids)-limit:]
	}

	fetchOpts := &imap.FetchOptions{
		UID:          true,
		Envelope:     true,
		Flags:        true,
		InternalDate: true,
		RFC822Size:   true,
	}
	bufs, err := conn.Fetch(imap.UIDSetNum(uids...), fetchOpts).Collect()
	if err != nil {
		return nil, fmt.Errorf("UID FETCH: %w", err)
	}

	var msgs []mail.Message
	for _, buf := range bufs {
		m := c.mapMessage(mailbox, q.Folder, buf)
		if !inWindow(q, m.Timestamp) {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// buildSearchCriteria converts a query to IMAP SEARCH criteria. SEARCH
// SINCE/BEFORE compare dates only, so the bounds are widened by a day
// each way; inWindow trims the overshoot after fetch.
func buildSearchCriteria(q source.Query) *imap.SearchCriteria {
	criteria := &imap.SearchCriteria{}
	if !q.Since.IsZero() {
		criteria.Since = q.Since.AddDate(0, 0, -1)
	}
	if !q.Before.IsZero() {
		criteria.Before = q.Before.AddDate(0, 0, 1)
	}
	if q.Text != "" {
		criteria.Text = []string{q.Text}
	}
	return criteria
}

// inWindow reports whether ts falls inside the query's half-open
// window. Zero bounds are unbounded.
func inWindow(q source.Query, ts time.Time) bool {
	if !q.Since.IsZero() && ts.Before(q.Since) {
		return false
	}
	if !q.Before.IsZero() && !ts.Before(q.Before) {
		return false
	}
	return true
}

// mapMessage converts a fetched message to the normalized form. The
// record ID is "mailbox|uid", unique within the account.
func (c *Client) mapMessage(mailbox, folder string, buf *imapclient.FetchMessageBuffer) mail.Message {
	m := mail.Message{
		ID:        compositeID(mailbox, buf.UID),
		AccountID: c.account.ID,
		Provider:  mail.ProviderIMAP,
		Folders:   []string{folderLabel(mailbox, folder)},
		Timestamp: buf.InternalDate.UTC(),
	}
	if buf.Envelope != nil {
		m.Subject = buf.Envelope.Subject
		if len(buf.Envelope.From) > 0 {
			from := buf.Envelope.From[0]
			m.From = mail.Address{Name: from.Name, Email: from.Addr()}
		}
		m.To = imapAddresses(buf.Envelope.To)
		m.Cc = imapAddresses(buf.Envelope.Cc)
		if buf.InternalDate.IsZero() {
			m.Timestamp = buf.Envelope.Date.UTC()
		}
	}
	for _, flag := range buf.Flags {
		switch flag {
		case imap.FlagSeen:
			m.Read = true
		case imap.FlagFlagged:
			m.Starred = true
		}
	}
	return m
}

// folderLabel is the folder name attached to returned records: the
// normalized name when one was requested, else the raw mailbox name.
func folderLabel(mailbox, folder string) string {
	if folder != "" {
		return folder
	}
	if strings.EqualFold(mailbox, "INBOX") {
		return mail.FolderInbox
	}
	return mailbox
}

// imapAddresses converts envelope addresses to the normalized form.
func imapAddresses(addrs []imap.Address) []mail.Address {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]mail.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, mail.Address{Name: a.Name, Email: a.Addr()})
	}
	return out
}

// compositeID builds a record identifier as "mailbox|uid".
func compositeID(mailbox string, uid imap.UID) string {
	return mailbox + "|" + strconv.FormatUint(uint64(uid), 10)
}

// Close logs out and disconnects from the IMAP server.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	conn := c.conn
	c.conn = nil
	c.selectedMailbox = ""
	return conn.Logout().Wait()
}

var _ source.Source = (*Client)(nil)
