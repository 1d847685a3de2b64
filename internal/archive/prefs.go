package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// Preference keys.
const (
	PrefCaptureEnabled = "capture_enabled"
	PrefAllowSpoilers  = "allow_spoilers"
	PrefConsentGiven   = "consent_given"
	PrefDefaultModel   = "default_model"
)

const prefsNamespace = "prefs"

// Prefs is a key/value preference store sharing the archive database.
// Capture is off until the viewer turns it on.
type Prefs struct {
	db     *sql.DB
	logger *slog.Logger
}

// Prefs returns the preference store backed by this archive.
func (s *Store) Prefs() *Prefs {
	return &Prefs{db: s.db, logger: s.logger}
}

// Get returns the stored value, or "" and nil if the key is unset.
func (p *Prefs) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := p.db.QueryRowContext(ctx,
		`SELECT value FROM preferences WHERE namespace = ? AND key = ?`,
		prefsNamespace, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get pref %s: %w", key, err)
	}
	return value, nil
}

// Set upserts a preference.
func (p *Prefs) Set(ctx context.Context, key, value string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO preferences (namespace, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		prefsNamespace, key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set pref %s: %w", key, err)
	}
	return nil
}

// Bool returns a boolean preference, or def when unset or unparsable.
func (p *Prefs) Bool(ctx context.Context, key string, def bool) (bool, error) {
	v, err := p.Get(ctx, key)
	if err != nil || v == "" {
		return def, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, nil
	}
	return b, nil
}

// SetBool stores a boolean preference.
func (p *Prefs) SetBool(ctx context.Context, key string, v bool) error {
	return p.Set(ctx, key, strconv.FormatBool(v))
}

// All returns every preference. The map is never nil.
func (p *Prefs) All(ctx context.Context) (map[string]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT key, value FROM preferences WHERE namespace = ? ORDER BY key`, prefsNamespace)
	if err != nil {
		return nil, fmt.Errorf("list prefs: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan pref: %w", err)
		}
		result[k] = v
	}
	return result, rows.Err()
}

// CaptureEnabled reports the capture switch. Read failures keep capture
// off.
func (p *Prefs) CaptureEnabled() bool {
	on, err := p.Bool(context.Background(), PrefCaptureEnabled, false)
	if err != nil {
		p.logger.Warn("reading capture preference failed", "error", err)
		return false
	}
	return on
}

// SetCaptureEnabled flips the capture switch.
func (p *Prefs) SetCaptureEnabled(ctx context.Context, on bool) error {
	return p.SetBool(ctx, PrefCaptureEnabled, on)
}
