package schema

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	dseerrors "github.com/xtwoend/bga-dse/internal/errors"
)

func sampleSchema() *TableSchema {
	return &TableSchema{
		Name:       "dse_turbine1",
		PrimaryKey: PrimaryKey{Name: "id", Kind: AutoIncrement64},
		Columns: []ColumnSpec{
			{Name: "oil_pressure", Type: TypeFloat, Nullable: true},
			{Name: "status", Type: TypeString, Width: 50, Nullable: true},
		},
		HasTimestamps: true,
	}
}

func TestDialectFor(t *testing.T) {
	for _, name := range []string{"duckdb", "sqlite", "mysql"} {
		d, err := DialectFor(name)
		if err != nil {
			t.Fatalf("DialectFor(%q) error = %v", name, err)
		}
		if d.Name() != name {
			t.Errorf("DialectFor(%q).Name() = %q", name, d.Name())
		}
	}

	if _, err := DialectFor("oracle"); !errors.Is(err, dseerrors.ErrUnknownDriver) {
		t.Errorf("DialectFor(oracle) error = %v, want ErrUnknownDriver", err)
	}
}

func TestCreateTable(t *testing.T) {
	tests := []struct {
		driver string
		want   []string
	}{
		{
			driver: "duckdb",
			want: []string{
				`CREATE SEQUENCE IF NOT EXISTS "dse_turbine1_id_seq" START 1`,
				`CREATE TABLE "dse_turbine1" ("id" BIGINT PRIMARY KEY DEFAULT nextval('dse_turbine1_id_seq'), ` +
					`"oil_pressure" DOUBLE, "status" VARCHAR(50), "created_at" TIMESTAMP, "updated_at" TIMESTAMP)`,
			},
		},
		{
			driver: "sqlite",
			want: []string{
				`CREATE TABLE "dse_turbine1" ("id" INTEGER PRIMARY KEY AUTOINCREMENT, ` +
					`"oil_pressure" REAL, "status" VARCHAR(50), "created_at" DATETIME, "updated_at" DATETIME)`,
			},
		},
		{
			driver: "mysql",
			want: []string{
				"CREATE TABLE `dse_turbine1` (`id` BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY, " +
					"`oil_pressure` DOUBLE NULL, `status` VARCHAR(50) NULL, `created_at` TIMESTAMP NULL, `updated_at` TIMESTAMP NULL) " +
					"DEFAULT CHARSET=utf8mb4",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			d, _ := DialectFor(tt.driver)
			if diff := cmp.Diff(tt.want, d.CreateTable(sampleSchema())); diff != "" {
				t.Errorf("CreateTable() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCreateTable_Int32Key(t *testing.T) {
	s := sampleSchema()
	s.PrimaryKey.Kind = AutoIncrement32
	s.HasTimestamps = false

	d, _ := DialectFor("mysql")
	stmt := d.CreateTable(s)[0]
	if !strings.Contains(stmt, "`id` INT UNSIGNED NOT NULL AUTO_INCREMENT") {
		t.Errorf("mysql 32-bit key not rendered: %s", stmt)
	}
	if strings.Contains(stmt, "created_at") {
		t.Errorf("timestamps rendered without HasTimestamps: %s", stmt)
	}

	d, _ = DialectFor("duckdb")
	if stmt := d.CreateTable(s)[1]; !strings.Contains(stmt, `"id" INTEGER PRIMARY KEY`) {
		t.Errorf("duckdb 32-bit key not rendered: %s", stmt)
	}
}

func TestColumnTypes(t *testing.T) {
	cols := []ColumnSpec{
		{Type: TypeInteger64}, {Type: TypeInteger32}, {Type: TypeFloat}, {Type: TypeBoolean},
		{Type: TypeJSON}, {Type: TypeText}, {Type: TypeLongText}, {Type: TypeDate},
		{Type: TypeDateTime}, {Type: TypeString, Width: 120}, {Type: TypeString},
	}
	want := map[string][]string{
		"duckdb": {"BIGINT", "INTEGER", "DOUBLE", "BOOLEAN", "JSON", "TEXT", "TEXT", "DATE", "TIMESTAMP", "VARCHAR(120)", "VARCHAR(255)"},
		"sqlite": {"BIGINT", "INTEGER", "REAL", "BOOLEAN", "TEXT", "TEXT", "TEXT", "DATE", "DATETIME", "VARCHAR(120)", "VARCHAR(255)"},
		"mysql":  {"BIGINT", "INT", "DOUBLE", "TINYINT(1)", "JSON", "TEXT", "LONGTEXT", "DATE", "DATETIME", "VARCHAR(120)", "VARCHAR(255)"},
	}

	for driver, types := range want {
		d, _ := DialectFor(driver)
		got := make([]string, len(cols))
		for i, c := range cols {
			got[i] = d.ColumnType(c)
		}
		if diff := cmp.Diff(types, got); diff != "" {
			t.Errorf("%s ColumnType() mismatch (-want +got):\n%s", driver, diff)
		}
	}
}

func TestAddColumn(t *testing.T) {
	col := ColumnSpec{Name: "rpm", Type: TypeInteger32}

	tests := map[string]string{
		"duckdb": `ALTER TABLE "t" ADD COLUMN "rpm" INTEGER`,
		"sqlite": `ALTER TABLE "t" ADD COLUMN "rpm" INTEGER`,
		"mysql":  "ALTER TABLE `t` ADD COLUMN `rpm` INT NULL",
	}
	for driver, want := range tests {
		d, _ := DialectFor(driver)
		if got := d.AddColumn("t", col); got != want {
			t.Errorf("%s AddColumn() = %q, want %q", driver, got, want)
		}
	}
}

func TestUpsert(t *testing.T) {
	keys := []string{"group", "tag"}
	updates := []string{"value", "updated_at"}

	tests := map[string]string{
		"sqlite": `INSERT INTO "buf" ("group", "tag", "value", "updated_at") VALUES (?, ?, ?, ?) ` +
			`ON CONFLICT ("group", "tag") DO UPDATE SET "value" = excluded."value", "updated_at" = excluded."updated_at"`,
		"mysql": "INSERT INTO `buf` (`group`, `tag`, `value`, `updated_at`) VALUES (?, ?, ?, ?) " +
			"ON DUPLICATE KEY UPDATE `value` = VALUES(`value`), `updated_at` = VALUES(`updated_at`)",
	}
	for driver, want := range tests {
		d, _ := DialectFor(driver)
		if got := d.Upsert("buf", keys, updates); got != want {
			t.Errorf("%s Upsert() =\n%s\nwant\n%s", driver, got, want)
		}
	}
}

func TestParseColumnType(t *testing.T) {
	tests := []struct {
		input string
		want  ColumnType
		width int
	}{
		{"BIGINT", TypeInteger64, 0},
		{"bigint unsigned", TypeInteger64, 0},
		{"INTEGER", TypeInteger32, 0},
		{"int", TypeInteger32, 0},
		{"DOUBLE", TypeFloat, 0},
		{"REAL", TypeFloat, 0},
		{"tinyint(1)", TypeBoolean, 0},
		{"BOOLEAN", TypeBoolean, 0},
		{"JSON", TypeJSON, 0},
		{"longtext", TypeLongText, 0},
		{"TEXT", TypeText, 0},
		{"TIMESTAMP", TypeDateTime, 0},
		{"datetime", TypeDateTime, 0},
		{"DATE", TypeDate, 0},
		{"varchar(50)", TypeString, 50},
		{"VARCHAR", TypeString, 0},
	}

	for _, tt := range tests {
		got := ParseColumnType(tt.input)
		if got.Type != tt.want || got.Width != tt.width || got.SQLType != tt.input {
			t.Errorf("ParseColumnType(%q) = %+v, want type %v width %d", tt.input, got, tt.want, tt.width)
		}
	}
}
