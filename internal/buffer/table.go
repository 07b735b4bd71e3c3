package buffer

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"github.com/xtwoend/bga-dse/config"
	"github.com/xtwoend/bga-dse/internal/errors"
	"github.com/xtwoend/bga-dse/internal/schema"
	"github.com/xtwoend/bga-dse/internal/validation"
	"github.com/xtwoend/bga-dse/internal/value"
)

// DefaultTable is the durable buffer table name.
const DefaultTable = config.DefaultBufferTable

// TableStore keeps the buffer in a database table with a uniqueness
// constraint on (group, tag). Values survive restarts and never expire.
type TableStore struct {
	db      schema.Execer
	dialect schema.Dialect
	table   string

	upsertSQL  string
	recordsSQL string
	clearSQL   string
	dropKeySQL string
}

// NewTableStore creates the buffer table if needed and prepares its SQL.
func NewTableStore(ctx context.Context, db schema.Execer, dialect schema.Dialect, table string) (*TableStore, error) {
	if table == "" {
		table = DefaultTable
	}
	if err := validation.ValidateIdentifier(table); err != nil {
		return nil, fmt.Errorf("buffer table: %w", err)
	}

	q := dialect.Quote
	s := &TableStore{
		db:      db,
		dialect: dialect,
		table:   table,
		upsertSQL: dialect.Upsert(table,
			[]string{"group", "tag"},
			[]string{"value", "updated_at"}),
		recordsSQL: fmt.Sprintf("SELECT %s, %s, %s FROM %s WHERE %s = ? ORDER BY %s",
			q("tag"), q("value"), q("updated_at"), q(table), q("group"), q("tag")),
		clearSQL: fmt.Sprintf("DELETE FROM %s WHERE %s = ?", q(table), q("group")),
		dropKeySQL: fmt.Sprintf("DELETE FROM %s WHERE %s = ? AND %s = ?",
			q(table), q("group"), q("tag")),
	}

	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// migrate creates the buffer table. It is idempotent.
func (s *TableStore) migrate(ctx context.Context) error {
	q := s.dialect.Quote
	ts := s.dialect.TimestampType()

	migrations := []struct {
		name string
		sql  string
	}{
		{
			name: s.table,
			sql: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				%s VARCHAR(191) NOT NULL,
				%s VARCHAR(191) NOT NULL,
				%s TEXT,
				%s %s DEFAULT CURRENT_TIMESTAMP,
				%s %s,
				PRIMARY KEY (%s, %s)
			)`, q(s.table), q("group"), q("tag"), q("value"),
				q("created_at"), ts, q("updated_at"), ts, q("group"), q("tag")),
		},
	}

	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
	}
	return nil
}

// Upsert implements Store.
func (s *TableStore) Upsert(ctx context.Context, smp Sample) error {
	if err := validateKey(smp.Group, smp.Tag); err != nil {
		return err
	}
	encoded, err := smp.Value.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.upsertSQL, smp.Group, smp.Tag, string(encoded), observedAt(smp)); err != nil {
		return errors.Wrapf(err, "upsert %s/%s", smp.Group, smp.Tag)
	}
	return nil
}

// Snapshot implements Store.
func (s *TableStore) Snapshot(ctx context.Context, group string) (schema.Record, error) {
	records, err := s.Records(ctx, group)
	if err != nil {
		return nil, err
	}
	return snapshotOf(records), nil
}

// Records implements Store.
func (s *TableStore) Records(ctx context.Context, group string) ([]Record, error) {
	if err := validation.ValidateGroup(group); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.recordsSQL, group)
	if err != nil {
		return nil, errors.Wrapf(err, "read buffer %s", group)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			tag     string
			raw     sql.NullString
			updated any
		)
		if err := rows.Scan(&tag, &raw, &updated); err != nil {
			return nil, errors.Wrapf(err, "scan buffer %s", group)
		}

		v := value.Null()
		if raw.Valid {
			if v, err = value.Parse([]byte(raw.String)); err != nil {
				log.Warn("undecodable buffered value", "group", group, "tag", tag, "error", err)
				continue
			}
		}
		records = append(records, Record{Group: group, Tag: tag, Value: v, UpdatedAt: toTime(updated)})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "read buffer %s", group)
	}

	// Collation differs between engines; keep byte order.
	sortRecords(records)
	return records, nil
}

// Clear implements Store.
func (s *TableStore) Clear(ctx context.Context, group string) error {
	if _, err := s.db.ExecContext(ctx, s.clearSQL, group); err != nil {
		return errors.Wrapf(err, "clear buffer %s", group)
	}
	return nil
}

// DropKey implements Store.
func (s *TableStore) DropKey(ctx context.Context, group, tag string) error {
	if _, err := s.db.ExecContext(ctx, s.dropKeySQL, group, tag); err != nil {
		return errors.Wrapf(err, "drop %s/%s", group, tag)
	}
	return nil
}

// Close implements Store. The database handle is shared and stays open.
func (s *TableStore) Close() error { return nil }

// toTime converts a scanned timestamp. MySQL without parseTime returns
// bytes; SQLite may return text. Text without a zone is read as UTC.
func toTime(src any) time.Time {
	var s string
	switch v := src.(type) {
	case time.Time:
		return v.UTC()
	case []byte:
		s = string(v)
	case string:
		s = v
	default:
		return time.Time{}
	}
	t, err := dateparse.ParseIn(strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
