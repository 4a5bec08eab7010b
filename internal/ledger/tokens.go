package ledger

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Permission is a bit set of actions a token may perform.
type Permission int

const (
	PermClaimJobs  Permission = 1 << iota // workers
	PermSubmitJobs                        // bot, importer, web frontend
	PermAdmin                             // rerender, token management
)

var permissionNames = []struct {
	p    Permission
	name string
}{
	{PermClaimJobs, "claim"},
	{PermSubmitJobs, "submit"},
	{PermAdmin, "admin"},
}

// Has reports whether every bit of want is set.
func (p Permission) Has(want Permission) bool { return p&want == want }

func (p Permission) String() string {
	var names []string
	for _, n := range permissionNames {
		if p.Has(n.p) {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// ParsePermissions accepts a comma-separated list such as "claim,submit".
func ParsePermissions(s string) (Permission, error) {
	var p Permission
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		found := false
		for _, n := range permissionNames {
			if n.name == part {
				p |= n.p
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown permission %q", part)
		}
	}
	if p == 0 {
		return 0, fmt.Errorf("at least one permission is required")
	}
	return p, nil
}

// CapabilityToken authenticates a worker, bot or operator.
type CapabilityToken struct {
	TokenID     string
	OwnerID     string
	Label       string
	Permissions Permission
	CreatedAt   time.Time
	RevokedAt   *time.Time
}

// HashToken returns the hex SHA-256 of a plaintext token. Only hashes are stored.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

func newSecret() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "rc_" + hex.EncodeToString(b), nil
}

// CreateToken stores a new token and returns it with its plaintext secret.
// The plaintext is not recoverable afterwards.
func (s *Store) CreateToken(ctx context.Context, ownerID, label string, perms Permission) (*CapabilityToken, string, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, "", fmt.Errorf("owner id is required")
	}
	secret, err := newSecret()
	if err != nil {
		return nil, "", fmt.Errorf("generate token: %w", err)
	}
	tok := &CapabilityToken{
		TokenID:     uuid.New().String(),
		OwnerID:     ownerID,
		Label:       label,
		Permissions: perms,
		CreatedAt:   s.now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO access_tokens (token_id, owner_id, label, token_hash, permissions, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		tok.TokenID, tok.OwnerID, tok.Label, HashToken(secret), int(perms), millis(tok.CreatedAt))
	if err != nil {
		return nil, "", fmt.Errorf("insert token: %w", err)
	}
	return tok, secret, nil
}

const tokenColumns = `token_id, owner_id, label, permissions, created_at, revoked_at`

func scanToken(row rowScanner) (*CapabilityToken, error) {
	var (
		t       CapabilityToken
		perms   int
		created int64
		revoked sql.NullInt64
	)
	if err := row.Scan(&t.TokenID, &t.OwnerID, &t.Label, &perms, &created, &revoked); err != nil {
		return nil, err
	}
	t.Permissions = Permission(perms)
	t.CreatedAt = time.UnixMilli(created).UTC()
	t.RevokedAt = fromMillis(revoked)
	return &t, nil
}

// LookupToken resolves a plaintext token to its active record.
func (s *Store) LookupToken(ctx context.Context, token string) (*CapabilityToken, error) {
	if token == "" {
		return nil, ErrTokenNotFound
	}
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+tokenColumns+` FROM access_tokens
		WHERE token_hash = ? AND revoked_at IS NULL`), HashToken(token))
	t, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup token: %w", err)
	}
	return t, nil
}

// ListTokens returns every token, revoked ones included.
func (s *Store) ListTokens(ctx context.Context) ([]CapabilityToken, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tokenColumns+` FROM access_tokens ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var out []CapabilityToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// RevokeToken disables a token. Open connections are not dropped.
func (s *Store) RevokeToken(ctx context.Context, tokenID string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE access_tokens SET revoked_at = ? WHERE token_id = ? AND revoked_at IS NULL`),
		millis(s.now()), tokenID)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	if n == 0 {
		return ErrTokenNotFound
	}
	return nil
}
