package export

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/basekick-labs/elf/internal/config"
	"github.com/basekick-labs/elf/internal/elf"
	_ "github.com/duckdb/duckdb-go/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// dialect describes how one database/sql driver names types and placeholders
type dialect struct {
	driver      string
	placeholder func(n int) string
	columnType  func(t elf.Type) string
}

var dialects = map[string]dialect{
	"sqlite3": {
		driver:      "sqlite3",
		placeholder: func(int) string { return "?" },
		columnType: func(t elf.Type) string {
			switch t {
			case elf.TypeInt64, elf.TypeInt32:
				return "INTEGER"
			case elf.TypeFloat64:
				return "REAL"
			default:
				return "TEXT"
			}
		},
	},
	"duckdb": {
		driver:      "duckdb",
		placeholder: func(int) string { return "?" },
		columnType:  standardColumnType,
	},
	"pgx": {
		driver:      "pgx",
		placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
		columnType:  standardColumnType,
	},
}

func standardColumnType(t elf.Type) string {
	switch t {
	case elf.TypeDate:
		return "DATE"
	case elf.TypeTime:
		return "TIME"
	case elf.TypeInt64:
		return "BIGINT"
	case elf.TypeInt32:
		return "INTEGER"
	case elf.TypeFloat64:
		return "DOUBLE PRECISION"
	default:
		return "TEXT"
	}
}

// QuoteIdent quotes name as an SQL identifier. ELF names such as cs(User-Agent) need it.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// SQLExporter inserts records into a table created from the schema.
// Rows are buffered and written BatchSize at a time, one transaction per batch.
type SQLExporter struct {
	ctx       context.Context
	db        *sql.DB
	ownsDB    bool
	dialect   dialect
	table     string
	batchSize int
	logger    zerolog.Logger

	insert  string
	pending [][]any
	total   int
}

// OpenDB opens and pings the connection pool described by cfg
func OpenDB(ctx context.Context, cfg *config.SQLConfig) (*sql.DB, error) {
	d, ok := dialects[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported sql driver: %s", cfg.Driver)
	}

	db, err := sql.Open(d.driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.Driver, err)
	}
	if d.driver == "sqlite3" {
		// one writer at a time
		db.SetMaxOpenConns(1)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", cfg.Driver, err)
	}
	return db, nil
}

// OpenSQL connects to cfg.DSN; Close also closes the connection
func OpenSQL(ctx context.Context, cfg *config.SQLConfig, logger zerolog.Logger) (*SQLExporter, error) {
	db, err := OpenDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	e, err := NewSQL(ctx, db, cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	e.ownsDB = true
	return e, nil
}

// NewSQL uses an existing connection pool; Close leaves db open
func NewSQL(ctx context.Context, db *sql.DB, cfg *config.SQLConfig, logger zerolog.Logger) (*SQLExporter, error) {
	d, ok := dialects[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported sql driver: %s", cfg.Driver)
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 1000
	}
	return &SQLExporter{
		ctx:       ctx,
		db:        db,
		dialect:   d,
		table:     cfg.Table,
		batchSize: batch,
		logger:    logger.With().Str("component", "sql-exporter").Str("driver", cfg.Driver).Logger(),
	}, nil
}

// CreateTableSQL renders the CREATE TABLE statement for schema
func (e *SQLExporter) CreateTableSQL(schema *elf.Schema) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(QuoteIdent(e.table))
	b.WriteString(" (")
	for i, entry := range schema.Entries() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(QuoteIdent(entry.Name))
		b.WriteByte(' ')
		b.WriteString(e.dialect.columnType(entry.Parser.Type()))
	}
	b.WriteString(")")
	return b.String()
}

func (e *SQLExporter) insertSQL(schema *elf.Schema) string {
	cols := make([]string, schema.Len())
	marks := make([]string, schema.Len())
	for i, entry := range schema.Entries() {
		cols[i] = QuoteIdent(entry.Name)
		marks[i] = e.dialect.placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		QuoteIdent(e.table), strings.Join(cols, ", "), strings.Join(marks, ", "))
}

func (e *SQLExporter) Begin(schema *elf.Schema) error {
	if _, err := e.db.ExecContext(e.ctx, e.CreateTableSQL(schema)); err != nil {
		return fmt.Errorf("failed to create table %s: %w", e.table, err)
	}
	e.insert = e.insertSQL(schema)
	e.pending = make([][]any, 0, e.batchSize)
	return nil
}

func (e *SQLExporter) Write(record *elf.Record) error {
	row := make([]any, record.Len())
	for i := range row {
		row[i] = e.sqlValue(record.Value(i))
	}
	e.pending = append(e.pending, row)
	if len(e.pending) >= e.batchSize {
		return e.flush()
	}
	return nil
}

func (e *SQLExporter) sqlValue(v any) any {
	if v == nil {
		return nil
	}
	if d, ok := v.(civil.Date); ok && e.dialect.driver != "sqlite3" {
		return d.In(time.UTC)
	}
	return plainValue(v)
}

func (e *SQLExporter) flush() error {
	if len(e.pending) == 0 {
		return nil
	}
	start := time.Now()

	tx, err := e.db.BeginTx(e.ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(e.ctx, e.insert)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range e.pending {
		if _, err := stmt.ExecContext(e.ctx, row...); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	e.logger.Debug().
		Int("rows", len(e.pending)).
		Dur("duration", time.Since(start)).
		Msg("Inserted batch")

	e.total += len(e.pending)
	e.pending = e.pending[:0]
	return nil
}

// Inserted returns how many rows have been committed
func (e *SQLExporter) Inserted() int {
	return e.total
}

func (e *SQLExporter) Close() error {
	err := e.flush()
	if e.ownsDB {
		if cerr := e.db.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Abort drops rows not yet committed. Batches already committed stay in the table.
func (e *SQLExporter) Abort(cause error) error {
	e.logger.Warn().
		Err(cause).
		Int("committed", e.total).
		Int("dropped", len(e.pending)).
		Msg("SQL export aborted")
	e.pending = nil
	if e.ownsDB {
		return e.db.Close()
	}
	return nil
}
