// ABOUTME: SQLite implementation of the pairing store using modernc.org/sqlite
// ABOUTME: Persists paired devices and pending pairing requests with schema auto-creation

package pairing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a pairing database at the given path.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "pairing-store")

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
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

// createSchema creates tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			public_key TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			platform TEXT NOT NULL DEFAULT '',
			client_version TEXT NOT NULL DEFAULT '',
			roles TEXT NOT NULL DEFAULT '',
			scopes TEXT NOT NULL DEFAULT '',
			remote_ip TEXT NOT NULL DEFAULT '',
			paired_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS pairing_requests (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			public_key TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			platform TEXT NOT NULL DEFAULT '',
			client_version TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			scopes TEXT NOT NULL DEFAULT '',
			remote_ip TEXT NOT NULL DEFAULT '',
			silent INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_pairing_requests_device
			ON pairing_requests(device_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RequestPairing returns the pending request for a device, creating one if
// none exists. A device re-dialing while unapproved reuses its pending
// request rather than flooding operators with duplicates.
func (s *SQLiteStore) RequestPairing(ctx context.Context, deviceID, publicKey string, meta Meta) (*Request, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, device_id, public_key, display_name, platform, client_version,
		       role, scopes, remote_ip, silent, created_at
		FROM pairing_requests
		WHERE device_id = ? AND role = ? AND scopes = ?
	`, deviceID, meta.Role, joinList(meta.Scopes))

	if req, err := scanRequest(row); err == nil {
		return req, false, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("querying pairing request: %w", err)
	}

	req := &Request{
		ID:            uuid.New().String(),
		DeviceID:      deviceID,
		PublicKey:     publicKey,
		DisplayName:   meta.DisplayName,
		Platform:      meta.Platform,
		ClientVersion: meta.ClientVersion,
		Role:          meta.Role,
		Scopes:        canonicalList(meta.Scopes),
		RemoteIP:      meta.RemoteIP,
		Silent:        meta.Silent,
		CreatedAt:     time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pairing_requests
			(id, device_id, public_key, display_name, platform, client_version,
			 role, scopes, remote_ip, silent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, req.ID, req.DeviceID, req.PublicKey, req.DisplayName, req.Platform,
		req.ClientVersion, req.Role, joinList(req.Scopes), req.RemoteIP,
		boolToInt(req.Silent), req.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, false, fmt.Errorf("inserting pairing request: %w", err)
	}
	return req, true, nil
}

// ApprovePairing resolves a request: the device is created, or its granted
// roles and scopes are extended to cover the request, and the request is
// removed.
func (s *SQLiteStore) ApprovePairing(ctx context.Context, requestID string) (*Device, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning approval: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, device_id, public_key, display_name, platform, client_version,
		       role, scopes, remote_ip, silent, created_at
		FROM pairing_requests WHERE id = ?
	`, requestID)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("loading pairing request: %w", err)
	}

	now := time.Now().UTC()
	dev, err := getDeviceTx(ctx, tx, req.DeviceID)
	switch {
	case err == nil:
		dev.Roles = mergeList(dev.Roles, []string{req.Role})
		dev.Scopes = mergeList(dev.Scopes, req.Scopes)
		dev.DisplayName = req.DisplayName
		dev.Platform = req.Platform
		dev.ClientVersion = req.ClientVersion
		dev.RemoteIP = req.RemoteIP
		dev.UpdatedAt = now
		_, err = tx.ExecContext(ctx, `
			UPDATE devices
			SET roles = ?, scopes = ?, display_name = ?, platform = ?,
			    client_version = ?, remote_ip = ?, updated_at = ?
			WHERE id = ?
		`, joinList(dev.Roles), joinList(dev.Scopes), dev.DisplayName,
			dev.Platform, dev.ClientVersion, dev.RemoteIP,
			dev.UpdatedAt.Format(time.RFC3339), dev.ID)
		if err != nil {
			return nil, fmt.Errorf("upgrading device: %w", err)
		}
	case errors.Is(err, ErrDeviceNotFound):
		dev = &Device{
			ID:            req.DeviceID,
			PublicKey:     req.PublicKey,
			DisplayName:   req.DisplayName,
			Platform:      req.Platform,
			ClientVersion: req.ClientVersion,
			Roles:         []string{req.Role},
			Scopes:        append([]string(nil), req.Scopes...),
			RemoteIP:      req.RemoteIP,
			PairedAt:      now,
			UpdatedAt:     now,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO devices
				(id, public_key, display_name, platform, client_version,
				 roles, scopes, remote_ip, paired_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, dev.ID, dev.PublicKey, dev.DisplayName, dev.Platform,
			dev.ClientVersion, joinList(dev.Roles), joinList(dev.Scopes),
			dev.RemoteIP, dev.PairedAt.Format(time.RFC3339),
			dev.UpdatedAt.Format(time.RFC3339))
		if err != nil {
			return nil, fmt.Errorf("creating device: %w", err)
		}
	default:
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pairing_requests WHERE id = ?`, requestID); err != nil {
		return nil, fmt.Errorf("removing pairing request: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing approval: %w", err)
	}

	s.logger.Info("pairing approved",
		"request_id", requestID,
		"device_id", dev.ID,
		"roles", dev.Roles,
		"scopes", dev.Scopes,
	)
	return dev, nil
}

// RejectPairing removes a pending request without granting anything.
func (s *SQLiteStore) RejectPairing(ctx context.Context, requestID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pairing_requests WHERE id = ?`, requestID)
	if err != nil {
		return fmt.Errorf("rejecting pairing request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRequestNotFound
	}
	return nil
}

// GetPairedDevice returns a paired device by ID.
func (s *SQLiteStore) GetPairedDevice(ctx context.Context, deviceID string) (*Device, error) {
	return getDeviceTx(ctx, s.db, deviceID)
}

// UpdateDeviceMetadata refreshes a device's display and connection metadata
// without touching its granted roles or scopes.
func (s *SQLiteStore) UpdateDeviceMetadata(ctx context.Context, deviceID string, meta Meta) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE devices
		SET display_name = ?, platform = ?, client_version = ?, remote_ip = ?, updated_at = ?
		WHERE id = ?
	`, meta.DisplayName, meta.Platform, meta.ClientVersion, meta.RemoteIP,
		time.Now().UTC().Format(time.RFC3339), deviceID)
	if err != nil {
		return fmt.Errorf("updating device metadata: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// ListPendingRequests returns all unresolved pairing requests, oldest first.
func (s *SQLiteStore) ListPendingRequests(ctx context.Context) ([]*Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, public_key, display_name, platform, client_version,
		       role, scopes, remote_ip, silent, created_at
		FROM pairing_requests
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("listing pairing requests: %w", err)
	}
	defer rows.Close()

	var reqs []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

// queryRower covers *sql.DB and *sql.Tx for device lookups.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getDeviceTx(ctx context.Context, q queryRower, deviceID string) (*Device, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, public_key, display_name, platform, client_version,
		       roles, scopes, remote_ip, paired_at, updated_at
		FROM devices WHERE id = ?
	`, deviceID)

	var dev Device
	var roles, scopes, pairedAt, updatedAt string
	err := row.Scan(&dev.ID, &dev.PublicKey, &dev.DisplayName, &dev.Platform,
		&dev.ClientVersion, &roles, &scopes, &dev.RemoteIP, &pairedAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("scanning device: %w", err)
	}
	dev.Roles = splitList(roles)
	dev.Scopes = splitList(scopes)
	if dev.PairedAt, err = time.Parse(time.RFC3339, pairedAt); err != nil {
		return nil, fmt.Errorf("parsing paired_at: %w", err)
	}
	if dev.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &dev, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var req Request
	var scopes, createdAt string
	var silent int
	err := row.Scan(&req.ID, &req.DeviceID, &req.PublicKey, &req.DisplayName,
		&req.Platform, &req.ClientVersion, &req.Role, &scopes, &req.RemoteIP,
		&silent, &createdAt)
	if err != nil {
		return nil, err
	}
	req.Scopes = splitList(scopes)
	req.Silent = silent != 0
	if req.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &req, nil
}

// joinList stores lists in canonical order so a device re-dialing with the
// same scopes in a different order matches its existing rows.
func joinList(items []string) string {
	return strings.Join(canonicalList(items), ",")
}

func canonicalList(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, s := range items {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func splitList(s string) []string {
	if s == "" {
		return []string{}
	}
	return strings.Split(s, ",")
}

func mergeList(existing, add []string) []string {
	seen := make(map[string]bool, len(existing))
	merged := append([]string(nil), existing...)
	for _, s := range existing {
		seen[s] = true
	}
	for _, s := range add {
		if s != "" && !seen[s] {
			seen[s] = true
			merged = append(merged, s)
		}
	}
	return merged
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
