package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Credential is the delegated OAuth credential for one Gmail account.
type Credential struct {
	AccountID      string
	AccessToken    string
	RefreshToken   string // empty when the provider never issued one
	TokenType      string
	ExpiresAt      time.Time
	Scopes         []string
	ReauthRequired bool
	ReauthReason   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasRefreshToken reports whether the credential can be refreshed.
func (c *Credential) HasRefreshToken() bool {
	return c.RefreshToken != ""
}

const credentialColumns = `account_id, access_token, refresh_token, token_type, expires_at,
	scopes, reauth_required, reauth_reason, created_at, updated_at`

func scanCredential(row interface{ Scan(...any) error }) (*Credential, error) {
	var c Credential
	var expiresAt, createdAt, updatedAt int64
	var scopes string
	err := row.Scan(&c.AccountID, &c.AccessToken, &c.RefreshToken, &c.TokenType, &expiresAt,
		&scopes, &c.ReauthRequired, &c.ReauthReason, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	c.ExpiresAt = fromMillis(expiresAt)
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	if scopes != "" {
		c.Scopes = strings.Fields(scopes)
	}
	return &c, nil
}

// GetCredential returns the credential for an account, or nil if none is stored.
func (s *Store) GetCredential(accountID string) (*Credential, error) {
	row := s.db.QueryRow(`SELECT `+credentialColumns+` FROM credentials WHERE account_id = ?`, accountID)
	c, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential %s: %w", accountID, err)
	}
	return c, nil
}

// PutCredential writes a credential.
//
// With merge=false the stored record is replaced: this is a consent grant,
// so the reauth flag is cleared. With merge=true only the token fields are
// updated; an empty refresh token or scope set keeps the stored value,
// and the reauth flag is left alone. A merge into a missing record fails.
func (s *Store) PutCredential(cred *Credential, merge bool) error {
	now := s.nowMillis()
	scopes := strings.Join(cred.Scopes, " ")
	tokenType := cred.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	if !merge {
		_, err := s.db.Exec(`
			INSERT INTO credentials (account_id, access_token, refresh_token, token_type, expires_at,
			                         scopes, reauth_required, reauth_reason, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, '', ?, ?)
			ON CONFLICT(account_id) DO UPDATE SET
				access_token = excluded.access_token,
				refresh_token = excluded.refresh_token,
				token_type = excluded.token_type,
				expires_at = excluded.expires_at,
				scopes = excluded.scopes,
				reauth_required = 0,
				reauth_reason = '',
				updated_at = excluded.updated_at
		`, cred.AccountID, cred.AccessToken, cred.RefreshToken, tokenType, toMillis(cred.ExpiresAt),
			scopes, now, now)
		if err != nil {
			return fmt.Errorf("put credential %s: %w", cred.AccountID, err)
		}
		return nil
	}

	res, err := s.db.Exec(`
		UPDATE credentials SET
			access_token = ?,
			token_type = ?,
			expires_at = ?,
			refresh_token = CASE WHEN ? != '' THEN ? ELSE refresh_token END,
			scopes = CASE WHEN ? != '' THEN ? ELSE scopes END,
			updated_at = ?
		WHERE account_id = ?
	`, cred.AccessToken, tokenType, toMillis(cred.ExpiresAt),
		cred.RefreshToken, cred.RefreshToken, scopes, scopes, now, cred.AccountID)
	if err != nil {
		return fmt.Errorf("merge credential %s: %w", cred.AccountID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("merge credential %s: no stored credential", cred.AccountID)
	}
	return nil
}

// MarkReauthRequired flags the credential so no refresh is attempted until
// the owner grants consent again. The flag does not bump updated_at.
func (s *Store) MarkReauthRequired(accountID, reason string) error {
	_, err := s.db.Exec(`
		UPDATE credentials SET reauth_required = 1, reauth_reason = ?
		WHERE account_id = ?
	`, reason, accountID)
	if err != nil {
		return fmt.Errorf("mark reauth %s: %w", accountID, err)
	}
	return nil
}

// DeleteCredential removes an account's credential, watch and ledger.
// Todos already delivered are kept.
func (s *Store) DeleteCredential(accountID string) error {
	return s.withTx(func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM credentials WHERE account_id = ?`,
			`DELETE FROM watches WHERE account_id = ?`,
			`DELETE FROM processed_messages WHERE account_id = ?`,
		} {
			if _, err := tx.Exec(q, accountID); err != nil {
				return fmt.Errorf("delete account %s: %w", accountID, err)
			}
		}
		return nil
	})
}

// ListCredentials returns every stored credential ordered by account.
func (s *Store) ListCredentials() ([]*Credential, error) {
	rows, err := s.db.Query(`SELECT ` + credentialColumns + ` FROM credentials ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var creds []*Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return creds, nil
}
