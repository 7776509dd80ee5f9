package migrate

import (
	"context"
	"regexp"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"ledgerlink.org/ops/migrations"
)

func TestSplitStatements(t *testing.T) {
	src := `-- leading comment
create table a (x text default 'a;b'); -- trailing
insert into a values ('it''s');

`
	got := splitStatements(src)
	if len(got) != 2 {
		t.Fatalf("statements = %q", got)
	}
	if got[0] != "create table a (x text default 'a;b')" {
		t.Fatalf("first = %q", got[0])
	}
}

func expectEnsure(mock sqlmock.Sqlmock) {
	mock.ExpectExec(regexp.QuoteMeta("create table if not exists schema_migrations")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("create table if not exists schema_seeds")).WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestUpAppliesOnlyPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	fsys := fstest.MapFS{
		"sql/0001_a.up.sql":   {Data: []byte("create table a (id text);")},
		"sql/0001_a.down.sql": {Data: []byte("drop table a;")},
		"sql/0002_b.up.sql":   {Data: []byte("create table b (id text); create index b_idx on b (id);")},
	}
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManager(db, fsys, "sql", "seeds", WithClock(func() time.Time { return now }))

	expectEnsure(mock)
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("create table b (id text)")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("create index b_idx on b (id)")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("insert into schema_migrations(name, applied_at)")).
		WithArgs("0002_b.up.sql", now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := m.Up(context.Background()); err != nil {
		t.Fatalf("up: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDownRollsBackLatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	fsys := fstest.MapFS{
		"sql/0001_a.up.sql":   {Data: []byte("create table a (id text);")},
		"sql/0001_a.down.sql": {Data: []byte("drop table a;")},
	}
	m := NewManager(db, fsys, "sql", "")

	expectEnsure(mock)
	mock.ExpectQuery("select name from schema_migrations order by name").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("drop table a")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("delete from schema_migrations where name = $1")).
		WithArgs("0001_a.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := m.Down(context.Background()); err != nil {
		t.Fatalf("down: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestEmbeddedSchemaIsComplete(t *testing.T) {
	files, err := collectSQL(migrations.FS, migrations.MigrationsDir, ".up.sql")
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	want := []string{"sync_records", "provider_credentials", "reconciliation_matches", "ledger_entries"}
	if len(files) != len(want) {
		t.Fatalf("migrations = %+v", files)
	}
	for i, f := range files {
		if !regexp.MustCompile(want[i]).MatchString(f.Base) {
			t.Fatalf("migration %d = %s, want %s", i, f.Base, want[i])
		}
	}
	seeds, err := collectSQL(migrations.FS, migrations.SeedsDir, ".sql")
	if err != nil || len(seeds) == 0 {
		t.Fatalf("seeds = %+v, %v", seeds, err)
	}
}
