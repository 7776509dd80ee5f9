package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"ledgerlink.org/internal/obs"
)

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"
)

var ErrNothingToRollback = errors.New("no migrations applied")

// Manager executes SQL migrations and seed files read from an fs.FS
// (the embedded ops/migrations tree, or os.DirFS for a custom path).
type Manager struct {
	db              *sql.DB
	fsys            fs.FS
	migrationsDir   string
	seedsDir        string
	migrationsTable string
	seedsTable      string
	now             func() time.Time
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithSeedsTable overrides the default seeds bookkeeping table.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seedsTable = name
		}
	}
}

// WithClock sets the applied_at source.
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewManager constructs a Manager. migrationsDir and seedsDir are paths inside fsys.
func NewManager(db *sql.DB, fsys fs.FS, migrationsDir, seedsDir string, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		fsys:            fsys,
		migrationsDir:   migrationsDir,
		seedsDir:        seedsDir,
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies all pending migrations. Each file and its bookkeeping row commit together.
func (m *Manager) Up(ctx context.Context) error {
	pending, err := m.Pending(ctx)
	if err != nil {
		return err
	}
	for _, mig := range pending {
		if err := m.apply(ctx, mig.Path, m.migrationsTable, mig.Base); err != nil {
			return fmt.Errorf("apply migration %s: %w", mig.Base, err)
		}
		obs.Logger().WithField("migration", mig.Base).Info("migration applied")
	}
	return nil
}

// Pending lists migrations not yet applied, in order.
func (m *Manager) Pending(ctx context.Context) ([]File, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	executed, err := m.listExecuted(ctx, m.migrationsTable)
	if err != nil {
		return nil, err
	}
	files, err := collectSQL(m.fsys, m.migrationsDir, ".up.sql")
	if err != nil {
		return nil, err
	}
	var out []File
	for _, f := range files {
		if !executed[f.Base] {
			out = append(out, f)
		}
	}
	return out, nil
}

// Down rolls back the most recent applied migration.
func (m *Manager) Down(ctx context.Context) error {
	if err := m.ensureTables(ctx); err != nil {
		return err
	}
	executed, err := m.history(ctx, m.migrationsTable)
	if err != nil {
		return err
	}
	if len(executed) == 0 {
		return ErrNothingToRollback
	}
	last := executed[len(executed)-1]
	downPath := path.Join(m.migrationsDir, strings.TrimSuffix(last, ".up.sql")+".down.sql")
	body, err := fs.ReadFile(m.fsys, downPath)
	if err != nil {
		return fmt.Errorf("missing down migration for %s", last)
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := execAll(ctx, tx, string(body)); err != nil {
		return fmt.Errorf("rollback migration %s: %w", last, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, m.migrationsTable), last); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	obs.Logger().WithField("migration", last).Info("migration rolled back")
	return nil
}

// Status returns ordered applied migrations.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	return m.history(ctx, m.migrationsTable)
}

// Seed applies seed files idempotently.
func (m *Manager) Seed(ctx context.Context) error {
	if err := m.ensureTables(ctx); err != nil {
		return err
	}
	executed, err := m.listExecuted(ctx, m.seedsTable)
	if err != nil {
		return err
	}
	files, err := collectSQL(m.fsys, m.seedsDir, ".sql")
	if err != nil {
		return err
	}
	for _, seed := range files {
		if executed[seed.Base] {
			continue
		}
		if err := m.apply(ctx, seed.Path, m.seedsTable, seed.Base); err != nil {
			return fmt.Errorf("apply seed %s: %w", seed.Base, err)
		}
	}
	return nil
}

func (m *Manager) ensureTables(ctx context.Context) error {
	for _, table := range []string{m.migrationsTable, m.seedsTable} {
		ddl := fmt.Sprintf(`create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		)`, table)
		if _, err := m.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) apply(ctx context.Context, file, table, name string) error {
	body, err := fs.ReadFile(m.fsys, file)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := execAll(ctx, tx, string(body)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`insert into %s(name, applied_at) values ($1, $2)`, table),
		name, m.now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

func execAll(ctx context.Context, tx *sql.Tx, body string) error {
	for _, stmt := range splitStatements(body) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) listExecuted(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		result[name] = true
	}
	return result, rows.Err()
}

func (m *Manager) history(ctx context.Context, table string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s order by name asc`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res = append(res, name)
	}
	return res, rows.Err()
}

// File is one SQL file; Base is its name, the bookkeeping key.
type File struct {
	Base string
	Path string
}

func collectSQL(fsys fs.FS, dir, suffix string) ([]File, error) {
	if dir == "" || fsys == nil {
		return nil, nil
	}
	var files []File
	err := fs.WalkDir(fsys, dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(d.Name(), suffix) {
			files = append(files, File{Base: d.Name(), Path: p})
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].Base < files[j].Base
	})
	return files, nil
}

// splitStatements splits SQL on semicolons outside quotes and drops
// "--" line comments and empty statements.
func splitStatements(src string) []string {
	var (
		stmts    []string
		current  strings.Builder
		inString bool
		comment  bool
	)
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			stmts = append(stmts, s)
		}
		current.Reset()
	}
	runes := []rune(src)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case comment:
			if r == '\n' {
				comment = false
				current.WriteRune(r)
			}
		case !inString && r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			comment = true
		case r == '\'':
			inString = !inString
			current.WriteRune(r)
		case r == ';' && !inString:
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return stmts
}
