// Package sqldb implements the query connector over database/sql.
//
// The pure-Go sqlite driver is registered under the name "sqlite"; other
// drivers must be registered by the importing program.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/aescanero/stepflow/pkg/domain"
	_ "github.com/glebarez/go-sqlite"
	"go.uber.org/zap"
)

// DriverSQLite is the driver name registered by the sqlite package
const DriverSQLite = "sqlite"

// Config describes one data source
type Config struct {
	Name        string
	Driver      string
	DSN         string
	Dialect     string
	WritePolicy domain.WritePolicy
	// Schema replaces introspection when set
	Schema string
}

// Connector runs queries against a database/sql handle
type Connector struct {
	db     *sql.DB
	cfg    Config
	logger *zap.Logger
}

// Open opens the data source described by cfg
func Open(cfg Config, logger *zap.Logger) (*Connector, error) {
	if cfg.Driver == "" {
		cfg.Driver = DriverSQLite
	}
	if cfg.DSN == "" {
		return nil, errors.New("connector dsn is required")
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, domain.NewConnectorError("open", err)
	}
	if cfg.Driver == DriverSQLite && strings.Contains(cfg.DSN, ":memory:") {
		// every pooled connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	return New(db, cfg, logger), nil
}

// New wraps an open database handle
func New(db *sql.DB, cfg Config, logger *zap.Logger) *Connector {
	if cfg.Dialect == "" {
		cfg.Dialect = defaultDialect(cfg.Driver)
	}
	if cfg.WritePolicy == "" {
		cfg.WritePolicy = domain.WritePolicyBlock
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{db: db, cfg: cfg, logger: logger}
}

func defaultDialect(driver string) string {
	switch driver {
	case "", DriverSQLite, "sqlite3":
		return "SQLite"
	case "postgres", "pgx":
		return "PostgreSQL"
	case "mysql":
		return "MySQL"
	default:
		return "SQL"
	}
}

// Name returns the configured connector name
func (c *Connector) Name() string { return c.cfg.Name }

// Dialect names the query language for prompts
func (c *Connector) Dialect() string { return c.cfg.Dialect }

// WritePolicy returns how risky statements are treated
func (c *Connector) WritePolicy() domain.WritePolicy { return c.cfg.WritePolicy }

// DB exposes the underlying handle
func (c *Connector) DB() *sql.DB { return c.db }

// Close closes the database handle
func (c *Connector) Close() error {
	return c.db.Close()
}

// GetSchema describes every table as name(column type, ...), one per line
func (c *Connector) GetSchema(ctx context.Context) (string, error) {
	if c.cfg.Schema != "" {
		return c.cfg.Schema, nil
	}

	var tables map[string][]string
	var order []string
	var err error
	if c.cfg.Driver == DriverSQLite || c.cfg.Driver == "sqlite3" {
		order, tables, err = c.sqliteColumns(ctx)
	} else {
		order, tables, err = c.informationSchemaColumns(ctx)
	}
	if err != nil {
		return "", domain.NewConnectorError("get_schema", err)
	}

	lines := make([]string, 0, len(order))
	for _, table := range order {
		lines = append(lines, fmt.Sprintf("%s(%s)", table, strings.Join(tables[table], ", ")))
	}
	return strings.Join(lines, "\n"), nil
}

func (c *Connector) sqliteColumns(ctx context.Context) ([]string, map[string][]string, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list tables: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	tables := make(map[string][]string, len(names))
	for _, name := range names {
		cols, err := c.RunQuery(ctx, fmt.Sprintf(`PRAGMA table_info("%s")`, strings.ReplaceAll(name, `"`, `""`)))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to describe %s: %w", name, err)
		}
		for _, col := range cols {
			desc := fmt.Sprint(col["name"])
			if t, ok := col["type"].(string); ok && t != "" {
				desc += " " + t
			}
			tables[name] = append(tables[name], desc)
		}
	}
	return names, tables, nil
}

func (c *Connector) informationSchemaColumns(ctx context.Context) ([]string, map[string][]string, error) {
	cols, err := c.RunQuery(ctx, `SELECT table_name, column_name, data_type FROM information_schema.columns
WHERE table_schema NOT IN ('information_schema', 'pg_catalog', 'mysql', 'performance_schema', 'sys')
ORDER BY table_name, ordinal_position`)
	if err != nil {
		return nil, nil, err
	}

	var order []string
	tables := make(map[string][]string)
	for _, col := range cols {
		table := fmt.Sprint(col["table_name"])
		if _, seen := tables[table]; !seen {
			order = append(order, table)
		}
		tables[table] = append(tables[table], fmt.Sprintf("%v %v", col["column_name"], col["data_type"]))
	}
	return order, tables, nil
}

// RunQuery executes query and returns the rows in the order the database produced them
func (c *Connector) RunQuery(ctx context.Context, query string, params ...any) ([]domain.Row, error) {
	rows, err := c.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, domain.NewConnectorError("run_query", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, domain.NewConnectorError("run_query", err)
	}

	result := []domain.Row{}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, domain.NewConnectorError("run_query", err)
		}

		row := make(domain.Row, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewConnectorError("run_query", err)
	}

	c.logger.Debug("query executed",
		zap.String("connector", c.cfg.Name),
		zap.Int("rows", len(result)))

	return result, nil
}
