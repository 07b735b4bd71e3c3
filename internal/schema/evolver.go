package schema

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/araddon/dateparse"
	"golang.org/x/sync/singleflight"

	"github.com/xtwoend/bga-dse/internal/errors"
	"github.com/xtwoend/bga-dse/internal/logging"
	"github.com/xtwoend/bga-dse/internal/metrics"
	"github.com/xtwoend/bga-dse/internal/validation"
	"github.com/xtwoend/bga-dse/internal/value"
)

var log = logging.Component("schema")

// Execer is the subset of *sql.DB the evolver needs.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Transactor is implemented by handles that can run fn in one transaction,
// such as *store.Store. Multi-statement maintenance uses it when available.
type Transactor interface {
	TransactionContext(ctx context.Context, fn func(*sql.Tx) error) error
}

// =============================================================================
// Evolver
// =============================================================================

// Evolver creates tables and grows them additively to fit submitted records.
//
// Concurrent EnsureTable calls for the same table and column set are
// coalesced. Calls that still race (other column sets, other processes) are
// resolved by treating "already exists" as success. Evolver is safe for
// concurrent use.
type Evolver struct {
	db       Execer
	dialect  Dialect
	clock    func() time.Time
	location *time.Location
	defaults Options

	flight singleflight.Group

	mu    sync.RWMutex
	cache map[string]*tableEntry
}

// tableEntry is the cached physical shape of one table.
type tableEntry struct {
	schema *TableSchema
	names  map[string]struct{} // every physical column, reserved ones included
}

func (e *tableEntry) has(name string) bool {
	_, ok := e.names[name]
	return ok
}

// EvolverOption configures an Evolver.
type EvolverOption func(*Evolver)

// WithClock sets the time source for created_at/updated_at.
func WithClock(clock func() time.Time) EvolverOption {
	return func(e *Evolver) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLocation sets the zone used to interpret date strings without one.
func WithLocation(loc *time.Location) EvolverOption {
	return func(e *Evolver) {
		if loc != nil {
			e.location = loc
		}
	}
}

// WithDefaultOptions sets the options Describe uses to classify columns.
func WithDefaultOptions(opts Options) EvolverOption {
	return func(e *Evolver) {
		e.defaults = opts.withDefaults()
	}
}

// NewEvolver creates an evolver writing through db in the given dialect.
func NewEvolver(db Execer, dialect Dialect, opts ...EvolverOption) *Evolver {
	e := &Evolver{
		db:       db,
		dialect:  dialect,
		clock:    time.Now,
		location: time.UTC,
		defaults: DefaultOptions(),
		cache:    make(map[string]*tableEntry),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Invalidate forgets the cached shape of a table.
func (e *Evolver) Invalidate(table string) {
	e.mu.Lock()
	delete(e.cache, table)
	e.mu.Unlock()
}

// =============================================================================
// Ensure
// =============================================================================

// EnsureTable makes sure table exists with a column for every key of rec.
//
// A missing table is created with the primary key, one nullable column per
// sanitized key and, when opts.Timestamps is set, created_at/updated_at.
// An existing table gains a nullable column for each key it lacks. Existing
// columns are never altered.
func (e *Evolver) EnsureTable(ctx context.Context, table string, rec Record, opts Options) (Outcome, error) {
	if err := validation.ValidateIdentifier(table); err != nil {
		return Unchanged, fmt.Errorf("ensure table: %w", err)
	}
	opts = opts.withDefaults()
	cols := e.columnsFor(rec, opts)

	v, err, _ := e.flight.Do(flightKey(table, cols, opts), func() (any, error) {
		return e.ensure(ctx, table, cols, opts)
	})
	if err != nil {
		return Unchanged, err
	}
	return v.(Outcome), nil
}

func (e *Evolver) ensure(ctx context.Context, table string, cols []ColumnSpec, opts Options) (Outcome, error) {
	entry, err := e.lookup(ctx, table, opts)
	if err != nil {
		return Unchanged, err
	}

	if entry == nil {
		entry, err = e.create(ctx, table, cols, opts)
		switch {
		case errors.Is(err, errors.ErrTableExists):
			log.Debug("table created concurrently", "table", table, "error", err)
			if entry, err = e.describe(ctx, table, opts); err != nil {
				return Unchanged, err
			}
		case err != nil:
			return Unchanged, err
		default:
			metrics.TablesCreated.Inc()
			log.Info("table created", "table", table, "columns", len(cols))
			e.store(table, entry)
			return Created, nil
		}
	}

	missing := missingColumns(entry, cols, opts)
	if len(missing) == 0 {
		e.store(table, entry)
		return Unchanged, nil
	}

	added, raced := 0, false
	for _, c := range missing {
		err := e.addColumn(ctx, table, c)
		switch {
		case errors.Is(err, errors.ErrColumnExists):
			log.Debug("column added concurrently", "table", table, "column", c.Name)
			raced = true
		case err != nil:
			e.Invalidate(table)
			return Unchanged, err
		default:
			added++
		}
		entry.names[c.Name] = struct{}{}
		if !isReserved(c.Name, entry.schema.PrimaryKey.Name, opts) {
			entry.schema.Columns = append(entry.schema.Columns, c)
		}
	}
	if opts.Timestamps && entry.has(CreatedAtColumn) && entry.has(UpdatedAtColumn) {
		entry.schema.HasTimestamps = true
	}

	if raced {
		// The other writer chose those column types; read them back later.
		e.Invalidate(table)
	} else {
		e.store(table, entry)
	}
	if added == 0 {
		return Unchanged, nil
	}
	metrics.ColumnsAdded.Add(float64(added))
	log.Info("table evolved", "table", table, "added", columnNames(missing))
	return Evolved, nil
}

// create runs the dialect's CREATE statements. A failure caused by another
// writer creating the table first is reported as ErrTableExists.
func (e *Evolver) create(ctx context.Context, table string, cols []ColumnSpec, opts Options) (*tableEntry, error) {
	ts := &TableSchema{
		Name:          table,
		PrimaryKey:    PrimaryKey{Name: opts.PrimaryKeyName, Kind: opts.PrimaryKeyKind},
		Columns:       append([]ColumnSpec(nil), cols...),
		HasTimestamps: opts.Timestamps,
	}

	for _, stmt := range e.dialect.CreateTable(ts) {
		if _, err := e.db.ExecContext(ctx, stmt); err != nil {
			exists, existsErr := e.TableExists(ctx, table)
			if existsErr != nil || !exists {
				return nil, errors.Wrapf(err, "create table %s", table)
			}
			return nil, fmt.Errorf("create table %s: %w: %v", table, errors.ErrTableExists, err)
		}
	}

	return newEntry(ts), nil
}

// addColumn adds one column. A failure caused by another writer adding the
// same column first is reported as ErrColumnExists.
func (e *Evolver) addColumn(ctx context.Context, table string, c ColumnSpec) error {
	_, err := e.db.ExecContext(ctx, e.dialect.AddColumn(table, c))
	if err == nil {
		return nil
	}

	current, listErr := e.listColumns(ctx, table)
	if listErr == nil {
		for _, rc := range current {
			if rc.name == c.Name {
				return fmt.Errorf("add column %s.%s: %w: %v", table, c.Name, errors.ErrColumnExists, err)
			}
		}
	}
	return errors.Wrapf(err, "add column %s.%s", table, c.Name)
}

// columnsFor infers one column per distinct sanitized key. The first
// occurrence of a sanitized name decides its type.
func (e *Evolver) columnsFor(rec Record, opts Options) []ColumnSpec {
	seen := make(map[string]struct{}, len(rec))
	cols := make([]ColumnSpec, 0, len(rec))
	for _, f := range rec {
		spec := InferColumn(f.Name, f.Value)
		spec.Name = dataColumnName(spec.Name, opts)
		if _, dup := seen[spec.Name]; dup {
			continue
		}
		seen[spec.Name] = struct{}{}
		cols = append(cols, spec)
	}
	return cols
}

func missingColumns(entry *tableEntry, cols []ColumnSpec, opts Options) []ColumnSpec {
	var missing []ColumnSpec
	for _, c := range cols {
		if !entry.has(c.Name) {
			missing = append(missing, c)
		}
	}
	if opts.Timestamps {
		for _, name := range []string{CreatedAtColumn, UpdatedAtColumn} {
			if !entry.has(name) {
				missing = append(missing, ColumnSpec{Name: name, Type: TypeDateTime, Nullable: true})
			}
		}
	}
	return missing
}

// dataColumnName moves data keys off the names the evolver manages itself.
func dataColumnName(name string, opts Options) string {
	if isReserved(name, opts.PrimaryKeyName, opts) {
		return "data_" + name
	}
	return name
}

func isReserved(name, primaryKey string, opts Options) bool {
	if name == primaryKey {
		return true
	}
	return opts.Timestamps && (name == CreatedAtColumn || name == UpdatedAtColumn)
}

func flightKey(table string, cols []ColumnSpec, opts Options) string {
	names := columnNames(cols)
	sort.Strings(names)
	return fmt.Sprintf("%s\x00%t\x00%s\x00%s", table, opts.Timestamps, opts.PrimaryKeyName, strings.Join(names, ","))
}

func columnNames(cols []ColumnSpec) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

// =============================================================================
// Insert
// =============================================================================

// InsertRow appends one row built from rec. Keys are sanitized the same way
// EnsureTable sanitizes them; when two keys collide the last value wins.
func (e *Evolver) InsertRow(ctx context.Context, table string, rec Record, opts Options) error {
	if err := validation.ValidateIdentifier(table); err != nil {
		return fmt.Errorf("insert row: %w", err)
	}
	opts = opts.withDefaults()

	names, values := e.fieldsFor(rec, opts)
	if len(names) == 0 && !opts.Timestamps {
		return fmt.Errorf("insert into %s: %w", table, errors.ErrEmptyRecord)
	}

	entry, err := e.lookup(ctx, table, opts)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("insert into %s: %w", table, errors.ErrTableNotFound)
	}
	if !entryHasAll(entry, names) {
		// Another writer may have added columns since the cache was filled.
		e.Invalidate(table)
		if entry, err = e.lookup(ctx, table, opts); err != nil {
			return err
		}
		if entry == nil {
			return fmt.Errorf("insert into %s: %w", table, errors.ErrTableNotFound)
		}
	}

	cols := make([]string, 0, len(names)+2)
	args := make([]any, 0, len(names)+2)
	for i, name := range names {
		if !entry.has(name) {
			return errors.NewNotFound("column", table+"."+name)
		}
		spec, _ := entry.schema.Column(name)
		cols = append(cols, name)
		args = append(args, e.argFor(values[i], spec))
	}
	if opts.Timestamps {
		now := e.clock()
		cols = append(cols, CreatedAtColumn, UpdatedAtColumn)
		args = append(args, now, now)
	}

	if _, err := e.db.ExecContext(ctx, insertPrefix(e.dialect, table, cols), args...); err != nil {
		e.Invalidate(table)
		return errors.Wrapf(err, "insert into %s", table)
	}
	metrics.RowsInserted.Inc()
	return nil
}

// EnsureAndInsert ensures the table fits rec, then appends rec as a row.
// Repeated calls are idempotent on the schema and append on the data.
func (e *Evolver) EnsureAndInsert(ctx context.Context, table string, rec Record, opts Options) (Outcome, error) {
	outcome, err := e.EnsureTable(ctx, table, rec, opts)
	if err != nil {
		return outcome, err
	}
	return outcome, e.InsertRow(ctx, table, rec, opts)
}

// fieldsFor maps keys to column names in first-seen order, keeping the last
// value for a repeated name.
func (e *Evolver) fieldsFor(rec Record, opts Options) ([]string, []value.Value) {
	index := make(map[string]int, len(rec))
	names := make([]string, 0, len(rec))
	values := make([]value.Value, 0, len(rec))
	for _, f := range rec {
		name := dataColumnName(SanitizeName(f.Name), opts)
		if i, ok := index[name]; ok {
			values[i] = f.Value
			continue
		}
		index[name] = len(names)
		names = append(names, name)
		values = append(values, f.Value)
	}
	return names, values
}

func entryHasAll(entry *tableEntry, names []string) bool {
	for _, n := range names {
		if !entry.has(n) {
			return false
		}
	}
	return true
}

// argFor converts a value to a driver argument for the target column.
func (e *Evolver) argFor(v value.Value, col ColumnSpec) any {
	switch v.Kind() {
	case value.KindBool:
		b, _ := v.AsBool()
		return e.dialect.BoolArg(b)
	case value.KindInt:
		i, _ := v.AsInt()
		return i
	case value.KindFloat:
		f, _ := v.AsFloat()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return f
	case value.KindText:
		s, _ := v.AsText()
		switch {
		case col.Type.IsNumeric():
			if n, ok := ParseNumericText(s); ok {
				if i, isInt := n.AsInt(); isInt {
					return i
				}
				f, _ := n.AsFloat()
				return f
			}
		case col.Type.IsTemporal():
			if t, err := dateparse.ParseIn(strings.TrimSpace(s), e.location); err == nil {
				return t
			}
		}
		return s
	case value.KindComposite:
		raw, _ := v.JSON()
		return raw
	default:
		return nil
	}
}

// =============================================================================
// Introspection
// =============================================================================

// TableExists reports whether table is present in the current schema.
func (e *Evolver) TableExists(ctx context.Context, table string) (bool, error) {
	var n int
	if err := e.db.QueryRowContext(ctx, e.dialect.TableExists(), table).Scan(&n); err != nil {
		return false, errors.Wrapf(err, "check table %s", table)
	}
	return n > 0, nil
}

// Describe reads the physical shape of table from the database.
func (e *Evolver) Describe(ctx context.Context, table string) (*TableSchema, error) {
	if err := validation.ValidateIdentifier(table); err != nil {
		return nil, fmt.Errorf("describe table: %w", err)
	}
	exists, err := e.TableExists(ctx, table)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%s: %w", table, errors.ErrTableNotFound)
	}
	entry, err := e.describe(ctx, table, e.defaults)
	if err != nil {
		return nil, err
	}
	return entry.schema.clone(), nil
}

// DropTable removes table and any helper objects. Dropping a missing table
// is not an error.
func (e *Evolver) DropTable(ctx context.Context, table string) error {
	if err := validation.ValidateIdentifier(table); err != nil {
		return fmt.Errorf("drop table: %w", err)
	}
	defer e.Invalidate(table)

	stmts := e.dialect.DropTable(table)
	var err error
	if tr, ok := e.db.(Transactor); ok {
		err = tr.TransactionContext(ctx, func(tx *sql.Tx) error {
			return execAll(ctx, tx, stmts)
		})
	} else {
		err = execAll(ctx, e.db, stmts)
	}
	if err != nil {
		return errors.Wrapf(err, "drop table %s", table)
	}
	log.Info("table dropped", "table", table)
	return nil
}

func execAll(ctx context.Context, db Execer, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

type rawColumn struct {
	name    string
	sqlType string
}

func (e *Evolver) listColumns(ctx context.Context, table string) ([]rawColumn, error) {
	rows, err := e.db.QueryContext(ctx, e.dialect.Columns(), table)
	if err != nil {
		return nil, errors.Wrapf(err, "list columns of %s", table)
	}
	defer rows.Close()

	var cols []rawColumn
	for rows.Next() {
		var c rawColumn
		if err := rows.Scan(&c.name, &c.sqlType); err != nil {
			return nil, errors.Wrapf(err, "scan column of %s", table)
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// describe builds a table entry from the database. Columns are classified
// with opts: the primary key and managed timestamps are not data columns.
func (e *Evolver) describe(ctx context.Context, table string, opts Options) (*tableEntry, error) {
	raw, err := e.listColumns(ctx, table)
	if err != nil {
		return nil, err
	}

	ts := &TableSchema{
		Name:       table,
		PrimaryKey: PrimaryKey{Name: opts.PrimaryKeyName, Kind: opts.PrimaryKeyKind},
	}
	names := make(map[string]struct{}, len(raw))
	for _, rc := range raw {
		names[rc.name] = struct{}{}
		if rc.name == opts.PrimaryKeyName {
			// SQLite reports INTEGER for every rowid key.
			switch ParseColumnType(rc.sqlType).Type {
			case TypeInteger64:
				ts.PrimaryKey.Kind = AutoIncrement64
			case TypeInteger32:
				if e.dialect.Name() != "sqlite" {
					ts.PrimaryKey.Kind = AutoIncrement32
				}
			}
			continue
		}
		if rc.name == CreatedAtColumn || rc.name == UpdatedAtColumn {
			continue
		}
		spec := ParseColumnType(rc.sqlType)
		spec.Name = rc.name
		ts.Columns = append(ts.Columns, spec)
	}
	_, hasCreated := names[CreatedAtColumn]
	_, hasUpdated := names[UpdatedAtColumn]
	ts.HasTimestamps = hasCreated && hasUpdated

	// Without managed timestamps, columns with those names hold data.
	if !opts.Timestamps {
		for _, rc := range raw {
			if rc.name == CreatedAtColumn || rc.name == UpdatedAtColumn {
				spec := ParseColumnType(rc.sqlType)
				spec.Name = rc.name
				ts.Columns = append(ts.Columns, spec)
			}
		}
	}

	return &tableEntry{schema: ts, names: names}, nil
}

// lookup returns the cached entry for table, describing it on a miss.
// A nil entry means the table does not exist.
func (e *Evolver) lookup(ctx context.Context, table string, opts Options) (*tableEntry, error) {
	e.mu.RLock()
	entry, ok := e.cache[table]
	e.mu.RUnlock()
	if ok {
		return entry.copy(), nil
	}

	exists, err := e.TableExists(ctx, table)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	entry, err = e.describe(ctx, table, opts)
	if err != nil {
		return nil, err
	}
	e.store(table, entry)
	return entry.copy(), nil
}

func (e *Evolver) store(table string, entry *tableEntry) {
	e.mu.Lock()
	e.cache[table] = entry.copy()
	e.mu.Unlock()
}

func newEntry(ts *TableSchema) *tableEntry {
	names := make(map[string]struct{}, len(ts.Columns)+3)
	names[ts.PrimaryKey.Name] = struct{}{}
	for _, c := range ts.Columns {
		names[c.Name] = struct{}{}
	}
	if ts.HasTimestamps {
		names[CreatedAtColumn] = struct{}{}
		names[UpdatedAtColumn] = struct{}{}
	}
	return &tableEntry{schema: ts, names: names}
}

func (e *tableEntry) copy() *tableEntry {
	names := make(map[string]struct{}, len(e.names))
	for k := range e.names {
		names[k] = struct{}{}
	}
	return &tableEntry{schema: e.schema.clone(), names: names}
}
