// Package mail defines the domain types shared across mailmux:
// connected accounts, normalized message records, and learned fetch
// patterns. Types here are plain data; providers and storage layers
// translate to and from them.
package mail

import (
	"strings"
	"time"
)

// Provider identifies the upstream mailbox service for an account.
type Provider string

const (
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
	ProviderIMAP    Provider = "imap"
)

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderGmail, ProviderOutlook, ProviderIMAP:
		return true
	}
	return false
}

// Canonical folder identifiers. Providers map these to their native
// label/folder/mailbox names. The empty string means "all mail".
const (
	FolderInbox   = "INBOX"
	FolderSent    = "SENT"
	FolderDrafts  = "DRAFTS"
	FolderTrash   = "TRASH"
	FolderSpam    = "SPAM"
	FolderArchive = "ARCHIVE"
)

// folderAliases maps common provider and client spellings to canonical
// folder IDs.
var folderAliases = map[string]string{
	"SENT ITEMS":    FolderSent,
	"SENTITEMS":     FolderSent,
	"SENT MAIL":     FolderSent,
	"DRAFT":         FolderDrafts,
	"DELETED ITEMS": FolderTrash,
	"DELETEDITEMS":  FolderTrash,
	"BIN":           FolderTrash,
	"JUNK":          FolderSpam,
	"JUNKEMAIL":     FolderSpam,
	"JUNK EMAIL":    FolderSpam,
	"ALL MAIL":      FolderArchive,
}

// NormalizeFolder canonicalizes a folder identifier: trims, upper-cases,
// and resolves common aliases. An empty input stays empty (all mail).
func NormalizeFolder(folder string) string {
	f := strings.ToUpper(strings.TrimSpace(folder))
	if alias, ok := folderAliases[f]; ok {
		return alias
	}
	return f
}

// Account is one connected mailbox. The engine only reads accounts; the
// directory owns their lifecycle. Credential is the opaque access grant
// obtained by the external authorization service; Settings carries
// provider-specific connection details as JSON (IMAP host/port/TLS).
type Account struct {
	ID          string
	UserID      string
	Provider    Provider
	Address     string
	DisplayName string
	Credential  string
	Settings    string
	Connected   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Address is a single mail participant.
type Address struct {
	Name  string
	Email string
}

// Attachment describes one attachment without its content.
type Attachment struct {
	Filename string
	MimeType string
	Size     int64
}

// Message is a normalized message record from one account. ID is the
// upstream message id and is assumed unique within a user's aggregate
// view; ids are not reused across accounts in practice.
type Message struct {
	ID             string
	AccountID      string
	Provider       Provider
	Folders        []string
	Subject        string
	From           Address
	To             []Address
	Cc             []Address
	Timestamp      time.Time
	Snippet        string
	Read           bool
	Starred        bool
	HasAttachments bool
	Attachments    []Attachment
}

// FetchPattern is the learned optimal query window for one (user,
// folder) pair. It is a cache: losing a row degrades efficiency, never
// correctness.
type FetchPattern struct {
	UserID            string
	FolderID          string
	OptimalHours      int
	EmailsInLastFetch int
	LastFetchedAt     time.Time
}
