// ABOUTME: Rotating device token issuance and verification
// ABOUTME: SQLite-backed bearer credentials bound to (device ID, role, scope set)

package tokens

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrTokenNotFound is returned when no token exists for a device.
var ErrTokenNotFound = errors.New("device token not found")

const tokenBytes = 32

// Token is a rotating bearer credential for device reconnects.
type Token struct {
	DeviceID  string
	Token     string
	Role      string
	Scopes    []string
	IssuedAt  time.Time
	RotatedAt time.Time
}

// Store issues and verifies device tokens.
type Store interface {
	// EnsureToken mints a token for the device, rotating any previous one.
	// The returned token is bound to the exact (role, scope set).
	EnsureToken(ctx context.Context, deviceID, role string, scopes []string) (*Token, error)
	// VerifyToken checks a presented token against the stored binding.
	VerifyToken(ctx context.Context, deviceID, token, role string, scopes []string) (bool, error)
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a token database at the given path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "token-store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS device_tokens (
			device_id TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			role TEXT NOT NULL,
			scopes TEXT NOT NULL DEFAULT '',
			issued_at TIMESTAMP NOT NULL,
			rotated_at TIMESTAMP NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// EnsureToken mints a fresh token for the device. An existing token is
// rotated: the secret changes, issued_at is preserved, rotated_at moves.
func (s *SQLiteStore) EnsureToken(ctx context.Context, deviceID, role string, scopes []string) (*Token, error) {
	secret, err := newSecret()
	if err != nil {
		return nil, fmt.Errorf("generating token: %w", err)
	}

	now := time.Now().UTC()
	tok := &Token{
		DeviceID:  deviceID,
		Token:     secret,
		Role:      role,
		Scopes:    canonicalScopes(scopes),
		IssuedAt:  now,
		RotatedAt: now,
	}

	existing, err := s.get(ctx, deviceID)
	switch {
	case err == nil:
		tok.IssuedAt = existing.IssuedAt
		_, err = s.db.ExecContext(ctx, `
			UPDATE device_tokens
			SET token = ?, role = ?, scopes = ?, rotated_at = ?
			WHERE device_id = ?
		`, tok.Token, tok.Role, strings.Join(tok.Scopes, ","),
			tok.RotatedAt.Format(time.RFC3339), deviceID)
		if err != nil {
			return nil, fmt.Errorf("rotating token: %w", err)
		}
		s.logger.Debug("device token rotated", "device_id", deviceID)
	case errors.Is(err, ErrTokenNotFound):
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO device_tokens (device_id, token, role, scopes, issued_at, rotated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, tok.DeviceID, tok.Token, tok.Role, strings.Join(tok.Scopes, ","),
			tok.IssuedAt.Format(time.RFC3339), tok.RotatedAt.Format(time.RFC3339))
		if err != nil {
			return nil, fmt.Errorf("inserting token: %w", err)
		}
		s.logger.Debug("device token issued", "device_id", deviceID)
	default:
		return nil, err
	}

	return tok, nil
}

// VerifyToken checks the presented secret and binding in constant time.
// Unknown devices and binding mismatches report false, not an error.
func (s *SQLiteStore) VerifyToken(ctx context.Context, deviceID, token, role string, scopes []string) (bool, error) {
	stored, err := s.get(ctx, deviceID)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return false, nil
		}
		return false, err
	}

	match := subtle.ConstantTimeCompare([]byte(stored.Token), []byte(token)) == 1
	if !match {
		return false, nil
	}
	if stored.Role != role {
		return false, nil
	}
	want := strings.Join(canonicalScopes(scopes), ",")
	got := strings.Join(stored.Scopes, ",")
	return want == got, nil
}

// get loads the token row for a device.
func (s *SQLiteStore) get(ctx context.Context, deviceID string) (*Token, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT device_id, token, role, scopes, issued_at, rotated_at
		FROM device_tokens WHERE device_id = ?
	`, deviceID)

	var tok Token
	var scopes, issuedAt, rotatedAt string
	err := row.Scan(&tok.DeviceID, &tok.Token, &tok.Role, &scopes, &issuedAt, &rotatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("scanning token: %w", err)
	}
	if scopes == "" {
		tok.Scopes = []string{}
	} else {
		tok.Scopes = strings.Split(scopes, ",")
	}
	if tok.IssuedAt, err = time.Parse(time.RFC3339, issuedAt); err != nil {
		return nil, fmt.Errorf("parsing issued_at: %w", err)
	}
	if tok.RotatedAt, err = time.Parse(time.RFC3339, rotatedAt); err != nil {
		return nil, fmt.Errorf("parsing rotated_at: %w", err)
	}
	return &tok, nil
}

// newSecret generates a random token secret.
func newSecret() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// canonicalScopes sorts and deduplicates a scope list so the stored binding
// is order-independent.
func canonicalScopes(scopes []string) []string {
	seen := make(map[string]bool, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
