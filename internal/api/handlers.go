package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/mailmux/mailmux/internal/aggregate"
	"github.com/mailmux/mailmux/internal/mail"
	"github.com/mailmux/mailmux/internal/source"
	"github.com/mailmux/mailmux/internal/store"
)

const timeFormat = "2006-01-02T15:04:05Z"

// ErrorResponse is the error body shared by every endpoint.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, err string, message string) {
	writeJSON(w, status, ErrorResponse{Error: err, Message: message})
}

// AddressInfo is a rendered mailbox address.
type AddressInfo struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// AttachmentInfo represents attachment metadata.
type AttachmentInfo struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// MessageRecord is a message in aggregation and search responses.
type MessageRecord struct {
	ID             string           `json:"id"`
	AccountID      string           `json:"accountId"`
	Provider       string           `json:"provider"`
	Folders        []string         `json:"folders,omitempty"`
	Subject        string           `json:"subject"`
	From           AddressInfo      `json:"from"`
	To             []AddressInfo    `json:"to,omitempty"`
	Cc             []AddressInfo    `json:"cc,omitempty"`
	Timestamp      string           `json:"timestamp"`
	Snippet        string           `json:"snippet,omitempty"`
	Read           bool             `json:"read"`
	Starred        bool             `json:"starred"`
	HasAttachments bool             `json:"hasAttachments"`
	Attachments    []AttachmentInfo `json:"attachments,omitempty"`
}

// MessagesMeta reports how the adaptive fetch converged.
type MessagesMeta struct {
	Count              int  `json:"count"`
	TotalCount         int  `json:"totalCount"`
	Page               int  `json:"page"`
	HasMore            bool `json:"hasMore"`
	AttemptsUsed       int  `json:"attemptsUsed"`
	OptimalWindowHours int  `json:"optimalWindowHours"`
}

// MessagesResponse is the envelope for GET /messages.
type MessagesResponse struct {
	Success  bool            `json:"success"`
	Data     []MessageRecord `json:"data"`
	Metadata MessagesMeta    `json:"metadata"`
}

// SearchMeta reports offset pagination over the merged search results.
type SearchMeta struct {
	Count      int  `json:"count"`
	TotalCount int  `json:"totalCount"`
	Page       int  `json:"page"`
	PageSize   int  `json:"pageSize"`
	HasMore    bool `json:"hasMore"`
}

// SearchResponse is the envelope for GET /search.
type SearchResponse struct {
	Success  bool            `json:"success"`
	Data     []MessageRecord `json:"data"`
	Metadata SearchMeta      `json:"metadata"`
}

func toAddresses(addrs []mail.Address) []AddressInfo {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]AddressInfo, len(addrs))
	for i, a := range addrs {
		out[i] = AddressInfo{Name: a.Name, Email: a.Email}
	}
	return out
}

func toRecord(m mail.Message) MessageRecord {
	rec := MessageRecord{
		ID:             m.ID,
		AccountID:      m.AccountID,
		Provider:       string(m.Provider),
		Folders:        m.Folders,
		Subject:        m.Subject,
		From:           AddressInfo{Name: m.From.Name, Email: m.From.Email},
		To:             toAddresses(m.To),
		Cc:             toAddresses(m.Cc),
		Timestamp:      m.Timestamp.UTC().Format(timeFormat),
		Snippet:        m.Snippet,
		Read:           m.Read,
		Starred:        m.Starred,
		HasAttachments: m.HasAttachments,
	}
	for _, att := range m.Attachments {
		rec.Attachments = append(rec.Attachments, AttachmentInfo{
			Filename: att.Filename,
			MimeType: att.MimeType,
			Size:     att.Size,
		})
	}
	return rec
}

func toRecords(msgs []mail.Message) []MessageRecord {
	records := make([]MessageRecord, len(msgs))
	for i, m := range msgs {
		records[i] = toRecord(m)
	}
	return records
}

// handleMessages returns one adaptively-fetched batch of aggregated
// messages across the user's connected accounts.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	userID := q.Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing_user", "Query parameter 'userId' is required")
		return
	}

	folderID := mail.NormalizeFolder(q.Get("folderId"))
	if folderID == "" {
		folderID = mail.FolderInbox
	}

	page, _ := strconv.Atoi(q.Get("page"))
	if page < 0 {
		page = 0
	}
	batchSize, _ := strconv.Atoi(q.Get("batchSize"))
	if batchSize < 1 {
		batchSize = s.cfg.Fetch.BatchSize
	}

	result, err := s.engine.FetchPage(r.Context(), aggregate.Request{
		UserID:    userID,
		FolderID:  folderID,
		Page:      page,
		BatchSize: batchSize,
	})
	if err != nil {
		s.logger.Error("aggregation failed", "user", userID, "folder", folderID, "error", err)
		var cfgErr *source.ConfigError
		if errors.As(err, &cfgErr) {
			writeError(w, http.StatusInternalServerError, "account_config", cfgErr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to aggregate messages")
		return
	}

	writeJSON(w, http.StatusOK, MessagesResponse{
		Success: true,
		Data:    toRecords(result.Records),
		Metadata: MessagesMeta{
			Count:              len(result.Records),
			TotalCount:         result.TotalCount,
			Page:               page,
			HasMore:            result.HasMore,
			AttemptsUsed:       result.AttemptsUsed,
			OptimalWindowHours: result.WindowHours,
		},
	})
}

// handleSearch runs a provider-native text search across the user's
// accounts and paginates the merged results by offset.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	userID := q.Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing_user", "Query parameter 'userId' is required")
		return
	}
	query := q.Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "missing_query", "Query parameter 'q' is required")
		return
	}

	// An empty folder searches all mail.
	folderID := mail.NormalizeFolder(q.Get("folderId"))

	page, _ := strconv.Atoi(q.Get("page"))
	if page < 0 {
		page = 0
	}
	pageSize, _ := strconv.Atoi(q.Get("pageSize"))
	if pageSize < 1 {
		pageSize = s.cfg.Fetch.PageSize
	}

	result, err := s.engine.Search(r.Context(), aggregate.SearchRequest{
		UserID:   userID,
		FolderID: folderID,
		Query:    query,
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		s.logger.Error("search failed", "user", userID, "query", query, "error", err)
		var cfgErr *source.ConfigError
		if errors.As(err, &cfgErr) {
			writeError(w, http.StatusInternalServerError, "account_config", cfgErr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "Search failed")
		return
	}

	writeJSON(w, http.StatusOK, SearchResponse{
		Success: true,
		Data:    toRecords(result.Records),
		Metadata: SearchMeta{
			Count:      len(result.Records),
			TotalCount: result.TotalCount,
			Page:       result.Page,
			PageSize:   result.PageSize,
			HasMore:    result.HasMore,
		},
	})
}

// AccountInfo represents an account in list responses. The stored
// credential is never echoed.
type AccountInfo struct {
	ID          string `json:"id"`
	UserID      string `json:"userId"`
	Provider    string `json:"provider"`
	Address     string `json:"address"`
	DisplayName string `json:"displayName,omitempty"`
	Connected   bool   `json:"connected"`
	CreatedAt   string `json:"createdAt"`
	UpdatedAt   string `json:"updatedAt"`
}

func toAccountInfo(acct mail.Account) AccountInfo {
	return AccountInfo{
		ID:          acct.ID,
		UserID:      acct.UserID,
		Provider:    string(acct.Provider),
		Address:     acct.Address,
		DisplayName: acct.DisplayName,
		Connected:   acct.Connected,
		CreatedAt:   acct.CreatedAt.UTC().Format(timeFormat),
		UpdatedAt:   acct.UpdatedAt.UTC().Format(timeFormat),
	}
}

// handleListAccounts returns the user's connected and disconnected accounts.
func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing_user", "Query parameter 'userId' is required")
		return
	}

	accounts, err := s.accounts.ListAccounts(userID)
	if err != nil {
		s.logger.Error("failed to list accounts", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list accounts")
		return
	}

	infos := make([]AccountInfo, len(accounts))
	for i, acct := range accounts {
		infos[i] = toAccountInfo(acct)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    infos,
	})
}

// CreateAccountRequest is the POST /accounts body.
type CreateAccountRequest struct {
	UserID      string `json:"userId"`
	Provider    string `json:"provider"`
	Address     string `json:"address"`
	DisplayName string `json:"displayName"`
	Credential  string `json:"credential"`
	Settings    string `json:"settings"`
}

// handleCreateAccount connects a mailbox account to a user.
func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Request body must be valid JSON")
		return
	}

	if req.UserID == "" || req.Address == "" || req.Credential == "" {
		writeError(w, http.StatusBadRequest, "missing_field", "userId, provider, address and credential are required")
		return
	}
	provider := mail.Provider(strings.ToLower(strings.TrimSpace(req.Provider)))
	if !provider.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_provider", "Provider must be one of gmail, outlook, imap")
		return
	}

	acct := &mail.Account{
		UserID:      req.UserID,
		Provider:    provider,
		Address:     req.Address,
		DisplayName: req.DisplayName,
		Credential:  req.Credential,
		Settings:    req.Settings,
		Connected:   true,
	}
	if err := s.accounts.CreateAccount(acct); err != nil {
		if errors.Is(err, store.ErrAccountExists) {
			writeError(w, http.StatusConflict, "account_exists", err.Error())
			return
		}
		s.logger.Error("failed to create account", "user", req.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to create account")
		return
	}

	s.logger.Info("account connected", "user", acct.UserID, "provider", acct.Provider, "address", acct.Address)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"data":    toAccountInfo(*acct),
	})
}

// handleDeleteAccount removes an account from the directory.
func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	acct, err := s.accounts.GetAccount(id)
	if err != nil {
		s.logger.Error("failed to load account", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to load account")
		return
	}
	if acct == nil {
		writeError(w, http.StatusNotFound, "not_found", "Account not found")
		return
	}

	if err := s.accounts.DeleteAccount(id); err != nil {
		s.logger.Error("failed to delete account", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to delete account")
		return
	}

	s.logger.Info("account removed", "user", acct.UserID, "provider", acct.Provider, "address", acct.Address)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
	})
}

// PatternInfo represents a learned fetch window in list responses.
type PatternInfo struct {
	UserID            string `json:"userId"`
	FolderID          string `json:"folderId"`
	OptimalHours      int    `json:"optimalHours"`
	EmailsInLastFetch int    `json:"emailsInLastFetch"`
	LastFetchedAt     string `json:"lastFetchedAt"`
}

// handleListPatterns returns the learned windows for a user.
func (s *Server) handleListPatterns(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing_user", "Query parameter 'userId' is required")
		return
	}

	patterns, err := s.patterns.ListPatterns(userID)
	if err != nil {
		s.logger.Error("failed to list patterns", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list patterns")
		return
	}

	infos := make([]PatternInfo, len(patterns))
	for i, p := range patterns {
		infos[i] = PatternInfo{
			UserID:            p.UserID,
			FolderID:          p.FolderID,
			OptimalHours:      p.OptimalHours,
			EmailsInLastFetch: p.EmailsInLastFetch,
			LastFetchedAt:     p.LastFetchedAt.UTC().Format(timeFormat),
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    infos,
	})
}

// handleDeletePattern resets one learned window. The next fetch for
// that folder re-estimates from the baseline.
func (s *Server) handleDeletePattern(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("userId")
	folderID := mail.NormalizeFolder(q.Get("folderId"))
	if userID == "" || folderID == "" {
		writeError(w, http.StatusBadRequest, "missing_field", "Query parameters 'userId' and 'folderId' are required")
		return
	}

	if err := s.patterns.DeletePattern(userID, folderID); err != nil {
		s.logger.Error("failed to delete pattern", "user", userID, "folder", folderID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to delete pattern")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
	})
}

// handleMaintenanceStatus returns the maintenance scheduler status.
func (s *Server) handleMaintenanceStatus(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"running": false,
			"jobs":    []JobStatus{},
		})
		return
	}

	jobs := s.scheduler.Status()
	if jobs == nil {
		jobs = []JobStatus{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"running": s.scheduler.IsRunning(),
		"jobs":    jobs,
	})
}

// handleRunJob triggers a maintenance job outside its schedule.
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler_unavailable", "Maintenance scheduler is not running")
		return
	}

	job := chi.URLParam(r, "job")
	if err := s.scheduler.TriggerJob(job); err != nil {
		writeError(w, http.StatusConflict, "job_error", err.Error())
		return
	}

	s.logger.Info("maintenance job triggered via API", "job", job)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"success": true,
		"status":  "accepted",
		"message": "Job started: " + job,
	})
}
