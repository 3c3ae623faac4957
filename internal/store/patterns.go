package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mailmux/mailmux/internal/mail"
)

// Pattern returns the learned fetch pattern for a user and folder, or
// (nil, nil) when none has been recorded yet.
func (s *Store) Pattern(userID, folderID string) (*mail.FetchPattern, error) {
	row := s.db.QueryRow(`
		SELECT user_id, folder_id, optimal_hours, emails_in_last_fetch, last_fetched_at
		FROM fetch_patterns
		WHERE user_id = ? AND folder_id = ?
	`, userID, folderID)

	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query pattern: %w", err)
	}
	return p, nil
}

// SavePattern records the window that satisfied the most recent full
// batch, replacing any previous value for the same user and folder.
// last_fetched_at is set to the time of the call.
func (s *Store) SavePattern(p *mail.FetchPattern) error {
	if p.UserID == "" {
		return fmt.Errorf("user ID is required")
	}
	if p.OptimalHours < 1 {
		return fmt.Errorf("optimal hours must be positive, got %d", p.OptimalHours)
	}

	_, err := s.db.Exec(`
		INSERT INTO fetch_patterns (user_id, folder_id, optimal_hours, emails_in_last_fetch, last_fetched_at)
		VALUES (?, ?, ?, ?, datetime('now'))
		ON CONFLICT (user_id, folder_id) DO UPDATE SET
			optimal_hours = excluded.optimal_hours,
			emails_in_last_fetch = excluded.emails_in_last_fetch,
			last_fetched_at = excluded.last_fetched_at
	`, p.UserID, p.FolderID, p.OptimalHours, p.EmailsInLastFetch)
	if err != nil {
		return fmt.Errorf("save pattern: %w", err)
	}
	return nil
}

// ListPatterns returns all learned patterns for a user, ordered by
// folder.
func (s *Store) ListPatterns(userID string) ([]mail.FetchPattern, error) {
	rows, err := s.db.Query(`
		SELECT user_id, folder_id, optimal_hours, emails_in_last_fetch, last_fetched_at
		FROM fetch_patterns
		WHERE user_id = ?
		ORDER BY folder_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query patterns: %w", err)
	}
	defer rows.Close()

	var patterns []mail.FetchPattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		patterns = append(patterns, *p)
	}
	return patterns, rows.Err()
}

// DeletePattern removes the learned pattern for a user and folder.
// The next fetch for that folder starts from the baseline window.
func (s *Store) DeletePattern(userID, folderID string) error {
	res, err := s.db.Exec(`
		DELETE FROM fetch_patterns WHERE user_id = ? AND folder_id = ?
	`, userID, folderID)
	if err != nil {
		return fmt.Errorf("delete pattern: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("no pattern for user %s folder %s", userID, folderID)
	}
	return nil
}

// PrunePatterns deletes patterns whose last successful fetch is older
// than ttl. Returns the number of rows removed.
func (s *Store) PrunePatterns(ttl time.Duration) (int64, error) {
	offset := fmt.Sprintf("-%d seconds", int64(ttl.Seconds()))
	res, err := s.db.Exec(`
		DELETE FROM fetch_patterns WHERE last_fetched_at < datetime('now', ?)
	`, offset)
	if err != nil {
		return 0, fmt.Errorf("prune patterns: %w", err)
	}
	return res.RowsAffected()
}

func scanPattern(row rowScanner) (*mail.FetchPattern, error) {
	var p mail.FetchPattern
	var last sql.NullString
	if err := row.Scan(&p.UserID, &p.FolderID, &p.OptimalHours, &p.EmailsInLastFetch, &last); err != nil {
		return nil, err
	}
	p.LastFetchedAt = parseTime(last)
	return &p, nil
}
