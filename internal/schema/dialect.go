package schema

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/xtwoend/bga-dse/internal/errors"
)

// Dialect renders the SQL that differs between the supported engines.
// Identifiers passed in are already validated; Quote never has to escape.
type Dialect interface {
	// Name returns the database/sql driver name.
	Name() string

	// Quote quotes an identifier.
	Quote(ident string) string

	// ColumnType renders the physical type of a data column.
	ColumnType(c ColumnSpec) string

	// TimestampType renders the type of created_at/updated_at.
	TimestampType() string

	// CreateTable returns the statements that create a table. Statements run
	// in order; only the last one creates the table itself.
	CreateTable(s *TableSchema) []string

	// AddColumn adds one nullable column.
	AddColumn(table string, c ColumnSpec) string

	// DropTable returns the statements that remove a table and its helpers.
	DropTable(table string) []string

	// TableExists returns a query yielding a count, with the table name as
	// the only argument.
	TableExists() string

	// Columns returns a query yielding (name, type) rows in column order,
	// with the table name as the only argument.
	Columns() string

	// Upsert renders an insert that overwrites updateCols when the row
	// identified by keyCols already exists.
	Upsert(table string, keyCols, updateCols []string) string

	// BoolArg converts a boolean to the driver argument for a data column.
	BoolArg(b bool) any
}

// DialectFor returns the dialect for a database/sql driver name.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "duckdb":
		return duckDB{}, nil
	case "sqlite", "sqlite3":
		return sqlite{}, nil
	case "mysql":
		return mysql{}, nil
	default:
		return nil, fmt.Errorf("%q: %w", driver, errors.ErrUnknownDriver)
	}
}

// =============================================================================
// Shared rendering
// =============================================================================

func quoteAll(d Dialect, names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = d.Quote(n)
	}
	return out
}

// dataColumnDefs renders data and timestamp columns. suffix is appended to
// each definition; MySQL needs an explicit NULL for TIMESTAMP columns.
func dataColumnDefs(d Dialect, s *TableSchema, suffix string) []string {
	defs := make([]string, 0, len(s.Columns)+2)
	for _, c := range s.Columns {
		defs = append(defs, d.Quote(c.Name)+" "+d.ColumnType(c)+suffix)
	}
	if s.HasTimestamps {
		defs = append(defs,
			d.Quote(CreatedAtColumn)+" "+d.TimestampType()+suffix,
			d.Quote(UpdatedAtColumn)+" "+d.TimestampType()+suffix,
		)
	}
	return defs
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func insertPrefix(d Dialect, table string, cols []string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		d.Quote(table), strings.Join(quoteAll(d, cols), ", "), placeholders(len(cols)))
}

// onConflictUpsert is the upsert form shared by DuckDB and SQLite.
func onConflictUpsert(d Dialect, table string, keyCols, updateCols []string) string {
	all := append(append([]string{}, keyCols...), updateCols...)
	sets := make([]string, len(updateCols))
	for i, c := range updateCols {
		sets[i] = fmt.Sprintf("%s = excluded.%s", d.Quote(c), d.Quote(c))
	}
	return fmt.Sprintf("%s ON CONFLICT (%s) DO UPDATE SET %s",
		insertPrefix(d, table, all), strings.Join(quoteAll(d, keyCols), ", "), strings.Join(sets, ", "))
}

var widthPattern = regexp.MustCompile(`\((\d+)\)`)

// ParseColumnType maps a physical type reported by the database back to the
// logical type. Unknown types read as string.
func ParseColumnType(sqlType string) ColumnSpec {
	upper := strings.ToUpper(strings.TrimSpace(sqlType))
	spec := ColumnSpec{Type: TypeString, Nullable: true, SQLType: sqlType}

	switch {
	case strings.HasPrefix(upper, "TINYINT(1)"), upper == "BOOLEAN", upper == "BOOL":
		spec.Type = TypeBoolean
	case strings.Contains(upper, "BIGINT"), upper == "INT64", upper == "HUGEINT":
		spec.Type = TypeInteger64
	case strings.Contains(upper, "INT"):
		spec.Type = TypeInteger32
	case strings.Contains(upper, "DOUBLE"), strings.Contains(upper, "REAL"),
		strings.Contains(upper, "FLOAT"), strings.Contains(upper, "DECIMAL"),
		strings.Contains(upper, "NUMERIC"):
		spec.Type = TypeFloat
	case upper == "JSON":
		spec.Type = TypeJSON
	case strings.Contains(upper, "LONGTEXT"):
		spec.Type = TypeLongText
	case strings.Contains(upper, "TEXT"), upper == "CLOB":
		spec.Type = TypeText
	case strings.Contains(upper, "TIMESTAMP"), strings.Contains(upper, "DATETIME"):
		spec.Type = TypeDateTime
	case upper == "DATE":
		spec.Type = TypeDate
	}

	if spec.Type == TypeString {
		if m := widthPattern.FindStringSubmatch(upper); m != nil {
			spec.Width, _ = strconv.Atoi(m[1])
		}
	}
	return spec
}

// =============================================================================
// DuckDB
// =============================================================================

type duckDB struct{}

func (duckDB) Name() string { return "duckdb" }

func (duckDB) Quote(ident string) string { return `"` + ident + `"` }

func (duckDB) ColumnType(c ColumnSpec) string {
	switch c.Type {
	case TypeInteger64:
		return "BIGINT"
	case TypeInteger32:
		return "INTEGER"
	case TypeFloat:
		return "DOUBLE"
	case TypeBoolean:
		return "BOOLEAN"
	case TypeJSON:
		return "JSON"
	case TypeText, TypeLongText:
		return "TEXT"
	case TypeDate:
		return "DATE"
	case TypeDateTime:
		return "TIMESTAMP"
	default:
		return fmt.Sprintf("VARCHAR(%d)", widthOrMax(c.Width))
	}
}

func (duckDB) TimestampType() string { return "TIMESTAMP" }

func sequenceName(table string) string { return table + "_id_seq" }

func (d duckDB) CreateTable(s *TableSchema) []string {
	keyType := "BIGINT"
	if s.PrimaryKey.Kind == AutoIncrement32 {
		keyType = "INTEGER"
	}
	defs := append([]string{
		fmt.Sprintf("%s %s PRIMARY KEY DEFAULT nextval('%s')", d.Quote(s.PrimaryKey.Name), keyType, sequenceName(s.Name)),
	}, dataColumnDefs(d, s, "")...)

	return []string{
		fmt.Sprintf("CREATE SEQUENCE IF NOT EXISTS %s START 1", d.Quote(sequenceName(s.Name))),
		fmt.Sprintf("CREATE TABLE %s (%s)", d.Quote(s.Name), strings.Join(defs, ", ")),
	}
}

func (d duckDB) AddColumn(table string, c ColumnSpec) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", d.Quote(table), d.Quote(c.Name), d.ColumnType(c))
}

func (d duckDB) DropTable(table string) []string {
	return []string{
		fmt.Sprintf("DROP TABLE IF EXISTS %s", d.Quote(table)),
		fmt.Sprintf("DROP SEQUENCE IF EXISTS %s", d.Quote(sequenceName(table))),
	}
}

func (duckDB) TableExists() string {
	return "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = ?"
}

func (duckDB) Columns() string {
	return "SELECT column_name, data_type FROM information_schema.columns " +
		"WHERE table_schema = current_schema() AND table_name = ? ORDER BY ordinal_position"
}

func (d duckDB) Upsert(table string, keyCols, updateCols []string) string {
	return onConflictUpsert(d, table, keyCols, updateCols)
}

func (duckDB) BoolArg(b bool) any { return b }

// =============================================================================
// SQLite
// =============================================================================

type sqlite struct{}

func (sqlite) Name() string { return "sqlite" }

func (sqlite) Quote(ident string) string { return `"` + ident + `"` }

func (sqlite) ColumnType(c ColumnSpec) string {
	switch c.Type {
	case TypeInteger64:
		return "BIGINT"
	case TypeInteger32:
		return "INTEGER"
	case TypeFloat:
		return "REAL"
	case TypeBoolean:
		return "BOOLEAN"
	case TypeJSON, TypeText, TypeLongText:
		return "TEXT"
	case TypeDate:
		return "DATE"
	case TypeDateTime:
		return "DATETIME"
	default:
		return fmt.Sprintf("VARCHAR(%d)", widthOrMax(c.Width))
	}
}

func (sqlite) TimestampType() string { return "DATETIME" }

// SQLite only auto-increments a column declared exactly INTEGER PRIMARY KEY,
// which is 64-bit regardless of the requested kind.
func (d sqlite) CreateTable(s *TableSchema) []string {
	defs := append([]string{
		d.Quote(s.PrimaryKey.Name) + " INTEGER PRIMARY KEY AUTOINCREMENT",
	}, dataColumnDefs(d, s, "")...)
	return []string{fmt.Sprintf("CREATE TABLE %s (%s)", d.Quote(s.Name), strings.Join(defs, ", "))}
}

func (d sqlite) AddColumn(table string, c ColumnSpec) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", d.Quote(table), d.Quote(c.Name), d.ColumnType(c))
}

func (d sqlite) DropTable(table string) []string {
	return []string{fmt.Sprintf("DROP TABLE IF EXISTS %s", d.Quote(table))}
}

func (sqlite) TableExists() string {
	return "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?"
}

func (sqlite) Columns() string {
	return "SELECT name, type FROM pragma_table_info(?) ORDER BY cid"
}

func (d sqlite) Upsert(table string, keyCols, updateCols []string) string {
	return onConflictUpsert(d, table, keyCols, updateCols)
}

func (sqlite) BoolArg(b bool) any { return boolInt(b) }

// =============================================================================
// MySQL
// =============================================================================

type mysql struct{}

func (mysql) Name() string { return "mysql" }

func (mysql) Quote(ident string) string { return "`" + ident + "`" }

func (mysql) ColumnType(c ColumnSpec) string {
	switch c.Type {
	case TypeInteger64:
		return "BIGINT"
	case TypeInteger32:
		return "INT"
	case TypeFloat:
		return "DOUBLE"
	case TypeBoolean:
		return "TINYINT(1)"
	case TypeJSON:
		return "JSON"
	case TypeText:
		return "TEXT"
	case TypeLongText:
		return "LONGTEXT"
	case TypeDate:
		return "DATE"
	case TypeDateTime:
		return "DATETIME"
	default:
		return fmt.Sprintf("VARCHAR(%d)", widthOrMax(c.Width))
	}
}

func (mysql) TimestampType() string { return "TIMESTAMP" }

func (d mysql) CreateTable(s *TableSchema) []string {
	keyType := "BIGINT UNSIGNED"
	if s.PrimaryKey.Kind == AutoIncrement32 {
		keyType = "INT UNSIGNED"
	}
	defs := append([]string{
		fmt.Sprintf("%s %s NOT NULL AUTO_INCREMENT PRIMARY KEY", d.Quote(s.PrimaryKey.Name), keyType),
	}, dataColumnDefs(d, s, " NULL")...)
	return []string{fmt.Sprintf("CREATE TABLE %s (%s) DEFAULT CHARSET=utf8mb4", d.Quote(s.Name), strings.Join(defs, ", "))}
}

func (d mysql) AddColumn(table string, c ColumnSpec) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s NULL", d.Quote(table), d.Quote(c.Name), d.ColumnType(c))
}

func (d mysql) DropTable(table string) []string {
	return []string{fmt.Sprintf("DROP TABLE IF EXISTS %s", d.Quote(table))}
}

func (mysql) TableExists() string {
	return "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?"
}

func (mysql) Columns() string {
	return "SELECT column_name, column_type FROM information_schema.columns " +
		"WHERE table_schema = DATABASE() AND table_name = ? ORDER BY ordinal_position"
}

func (d mysql) Upsert(table string, keyCols, updateCols []string) string {
	all := append(append([]string{}, keyCols...), updateCols...)
	sets := make([]string, len(updateCols))
	for i, c := range updateCols {
		sets[i] = fmt.Sprintf("%s = VALUES(%s)", d.Quote(c), d.Quote(c))
	}
	return insertPrefix(d, table, all) + " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
}

func (mysql) BoolArg(b bool) any { return boolInt(b) }

func widthOrMax(w int) int {
	if w <= 0 || w > MaxStringWidth {
		return MaxStringWidth
	}
	return w
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
