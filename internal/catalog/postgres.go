package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/cliniquery/backend/pkg/logger"
)

// OpenDB opens a pgx-backed database/sql handle and verifies
// connectivity. Used for both the introspection and the read-only
// execution connections.
func OpenDB(ctx context.Context, dsn string, maxOpen, maxIdle int) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return db, nil
}

// PostgresLoader introspects information_schema for one schema. The
// database itself is the authoritative source of clinical metadata.
type PostgresLoader struct {
	db     *sql.DB
	schema string
}

func NewPostgresLoader(db *sql.DB, schema string) *PostgresLoader {
	return &PostgresLoader{db: db, schema: schema}
}

const columnsQuery = `
SELECT table_name, column_name, data_type, is_nullable
FROM information_schema.columns
WHERE table_schema = $1
ORDER BY table_name, ordinal_position`

const foreignKeysQuery = `
SELECT tc.table_name, kcu.column_name, ccu.table_name, ccu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name
 AND tc.table_schema = kcu.table_schema
JOIN information_schema.constraint_column_usage ccu
  ON tc.constraint_name = ccu.constraint_name
 AND tc.table_schema = ccu.table_schema
WHERE tc.constraint_type = 'FOREIGN KEY'
  AND tc.table_schema = $1
ORDER BY tc.table_name, kcu.column_name`

func (l *PostgresLoader) Load(ctx context.Context) (*Snapshot, error) {
	rows, err := l.db.QueryContext(ctx, columnsQuery, l.schema)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns: %w", err)
	}
	defer rows.Close()

	byTable := map[string]*Table{}
	for rows.Next() {
		var tableName, columnName, dataType, nullable string
		if err := rows.Scan(&tableName, &columnName, &dataType, &nullable); err != nil {
			return nil, fmt.Errorf("failed to scan column row: %w", err)
		}
		t, ok := byTable[tableName]
		if !ok {
			t = &Table{Name: tableName}
			byTable[tableName] = t
		}
		t.Columns = append(t.Columns, Column{
			Name:     columnName,
			DataType: dataType,
			Nullable: nullable == "YES",
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating column rows: %w", err)
	}

	fkRows, err := l.db.QueryContext(ctx, foreignKeysQuery, l.schema)
	if err != nil {
		return nil, fmt.Errorf("failed to query foreign keys: %w", err)
	}
	defer fkRows.Close()

	for fkRows.Next() {
		var tableName, columnName, refTable, refColumn string
		if err := fkRows.Scan(&tableName, &columnName, &refTable, &refColumn); err != nil {
			return nil, fmt.Errorf("failed to scan foreign key row: %w", err)
		}
		if t, ok := byTable[tableName]; ok {
			t.ForeignKeys = append(t.ForeignKeys, ForeignKey{
				Column:    columnName,
				RefTable:  refTable,
				RefColumn: refColumn,
			})
		}
	}
	if err := fkRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating foreign key rows: %w", err)
	}

	tables := make([]Table, 0, len(byTable))
	for _, t := range byTable {
		tables = append(tables, *t)
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].Name < tables[j].Name })

	snap := NewSnapshot(tables)
	logger.Debug("Schema introspected",
		zap.String("schema", l.schema),
		zap.Int("tables", len(tables)),
		zap.String("version", snap.Version),
	)
	return snap, nil
}
