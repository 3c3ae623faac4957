package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mailmux/mailmux/internal/mail"
)

const accountColumns = "id, user_id, provider, address, display_name, credential, settings, connected, created_at, updated_at"

// ErrAccountExists is returned by CreateAccount when the (user, provider,
// address) triple is already registered.
var ErrAccountExists = errors.New("account already exists")

// CreateAccount inserts a new mailbox account. A blank ID is assigned
// a fresh UUID. The (user, provider, address) triple must be unique.
func (s *Store) CreateAccount(acct *mail.Account) error {
	if acct.UserID == "" {
		return fmt.Errorf("user ID is required")
	}
	if !acct.Provider.Valid() {
		return fmt.Errorf("unknown provider %q", acct.Provider)
	}
	if acct.Address == "" {
		return fmt.Errorf("address is required")
	}
	if acct.ID == "" {
		acct.ID = uuid.New().String()
	}

	_, err := s.db.Exec(`
		INSERT INTO accounts (id, user_id, provider, address, display_name, credential, settings, connected, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))
	`, acct.ID, acct.UserID, string(acct.Provider), acct.Address, acct.DisplayName, acct.Credential, acct.Settings, acct.Connected)
	if err != nil {
		if isSQLiteError(err, "UNIQUE constraint failed") {
			return fmt.Errorf("account %s/%s for user %s: %w", acct.Provider, acct.Address, acct.UserID, ErrAccountExists)
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// GetAccount returns the account with the given ID, or (nil, nil) if
// it does not exist.
func (s *Store) GetAccount(id string) (*mail.Account, error) {
	row := s.db.QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)

	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}
	return acct, nil
}

// ListAccounts returns all accounts belonging to a user, connected or
// not, ordered by creation time.
func (s *Store) ListAccounts(userID string) ([]mail.Account, error) {
	return s.queryAccounts(`
		SELECT `+accountColumns+` FROM accounts
		WHERE user_id = ?
		ORDER BY created_at, address
	`, userID)
}

// ListConnected returns the user's accounts that participate in
// aggregation. Disconnected accounts keep their row but are skipped.
func (s *Store) ListConnected(userID string) ([]mail.Account, error) {
	return s.queryAccounts(`
		SELECT `+accountColumns+` FROM accounts
		WHERE user_id = ? AND connected = 1
		ORDER BY created_at, address
	`, userID)
}

// SetConnected flips an account's aggregation eligibility.
func (s *Store) SetConnected(id string, connected bool) error {
	res, err := s.db.Exec(`
		UPDATE accounts SET connected = ?, updated_at = datetime('now')
		WHERE id = ?
	`, connected, id)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("account not found: %s", id)
	}
	return nil
}

// UpdateCredential replaces an account's stored credential.
func (s *Store) UpdateCredential(id, credential string) error {
	res, err := s.db.Exec(`
		UPDATE accounts SET credential = ?, updated_at = datetime('now')
		WHERE id = ?
	`, credential, id)
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("account not found: %s", id)
	}
	return nil
}

// DeleteAccount removes an account permanently.
func (s *Store) DeleteAccount(id string) error {
	res, err := s.db.Exec(`DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("account not found: %s", id)
	}
	return nil
}

func (s *Store) queryAccounts(query string, args ...interface{}) ([]mail.Account, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []mail.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, *acct)
	}
	return accounts, rows.Err()
}

func scanAccount(row rowScanner) (*mail.Account, error) {
	var acct mail.Account
	var provider string
	var createdAt, updatedAt sql.NullString
	if err := row.Scan(
		&acct.ID, &acct.UserID, &provider, &acct.Address, &acct.DisplayName,
		&acct.Credential, &acct.Settings, &acct.Connected, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	acct.Provider = mail.Provider(provider)
	acct.CreatedAt = parseTime(createdAt)
	acct.UpdatedAt = parseTime(updatedAt)
	return &acct, nil
}
