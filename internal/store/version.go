package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	herrors "github.com/healthdb/healthdb/internal/errors"
	"github.com/healthdb/healthdb/pkg/types"
)

// VersionManager guards a logical database, its tables and its views
// against required version numbers. Markers live in the attributes table
// under the keys "version", "<table>_version" and "<table>_view_version".
type VersionManager struct {
	db     *sql.DB
	dbName string
}

// NewVersionManager creates a version manager over a database connection.
func NewVersionManager(db *sql.DB, dbName string) *VersionManager {
	return &VersionManager{db: db, dbName: dbName}
}

// DatabaseVersionKey is the marker key of the database version.
const DatabaseVersionKey = "version"

// TableVersionKey returns the marker key of a table version.
func TableVersionKey(table string) string {
	return table + "_version"
}

// ViewVersionKey returns the marker key of a table's view version.
func ViewVersionKey(table string) string {
	return table + "_view_version"
}

// CheckDatabaseVersion initializes the database version marker if unset and
// fails with a schema mismatch if it differs from required.
func (m *VersionManager) CheckDatabaseVersion(ctx context.Context, required int) error {
	return m.check(ctx, DatabaseVersionKey, required, fmt.Sprintf("database %s", m.dbName))
}

// CheckTableVersion initializes the table version marker if unset and fails
// with a schema mismatch if it differs from the table's declared version.
func (m *VersionManager) CheckTableVersion(ctx context.Context, t *types.Table) error {
	return m.check(ctx, TableVersionKey(t.Name), t.Version, fmt.Sprintf("table %s.%s", m.dbName, t.Name))
}

// CheckViewVersion reports whether the stored view version of table matches
// version. An unset marker is a mismatch. A mismatch is recoverable by
// rebuilding the view, so it is never an error.
func (m *VersionManager) CheckViewVersion(ctx context.Context, table string, version int) (bool, error) {
	stored, ok, err := m.Attribute(ctx, ViewVersionKey(table))
	if err != nil || !ok {
		return false, err
	}
	return stored == strconv.Itoa(version), nil
}

// SetViewVersion records the view version of table after a rebuild.
func (m *VersionManager) SetViewVersion(ctx context.Context, table string, version int) error {
	return m.SetAttribute(ctx, ViewVersionKey(table), strconv.Itoa(version))
}

// Attribute returns the value stored under key.
func (m *VersionManager) Attribute(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := m.db.QueryRowContext(ctx, "SELECT value FROM attributes WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: %s: failed to read attribute %s: %w", m.dbName, key, err)
	}
	return value, true, nil
}

// SetAttribute stores value under key, replacing any previous value.
func (m *VersionManager) SetAttribute(ctx context.Context, key, value string) error {
	_, err := m.db.ExecContext(ctx,
		"INSERT INTO attributes (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	if err != nil {
		return fmt.Errorf("store: %s: failed to set attribute %s: %w", m.dbName, key, err)
	}
	return nil
}

// check reads the marker and only writes it when it is unset, so opening a
// database whose markers already match performs reads only.
func (m *VersionManager) check(ctx context.Context, key string, required int, what string) error {
	stored, ok, err := m.Attribute(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return m.SetAttribute(ctx, key, strconv.Itoa(required))
	}
	if stored != strconv.Itoa(required) {
		return herrors.NewSchemaError(fmt.Sprintf(
			"%s is at version %s but version %d is required; rebuild the database and re-import",
			what, stored, required)).WithDetails(map[string]interface{}{
			"database": m.dbName,
			"key":      key,
			"stored":   stored,
			"required": required,
		})
	}
	return nil
}
