// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store persists the gateway's durable state in SQL: per-user
// MCP server registrations, tool enable/disable switches, standing tool
// approvals, and chat conversations with their message history.
//
// SQLite, PostgreSQL and MySQL share one schema. Dialect differences
// are confined to the auto-increment id column of the settings table
// and to placeholder syntax; every query is written with ? placeholders
// and rewritten to $n for PostgreSQL at execution time.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	dialectSQLite   = "sqlite"
	dialectPostgres = "postgres"
	dialectMySQL    = "mysql"

	connectTimeout = 10 * time.Second
	schemaTimeout  = 30 * time.Second
)

var (
	// ErrNotFound reports that no record matched.
	ErrNotFound = errors.New("record not found")

	// ErrNotOwned reports that the record exists but belongs to a
	// different user.
	ErrNotOwned = errors.New("record owned by another user")

	// ErrDuplicate reports a uniqueness violation, e.g. registering two
	// servers under the same name for one user.
	ErrDuplicate = errors.New("duplicate record")
)

// Config describes the database connection.
type Config struct {
	// Driver selects the backend: "sqlite" (default), "postgres" or
	// "mysql".
	Driver string

	// DSN is the driver-specific data source name. For SQLite this is
	// the database file path.
	DSN string

	// MaxConns caps open connections. Defaults to 25.
	MaxConns int

	// MaxIdle caps idle connections. Defaults to 5.
	MaxIdle int
}

// Store is the SQL-backed persistence layer. It is safe for concurrent
// use; all methods honor context cancellation.
type Store struct {
	db      *sql.DB
	dialect string
}

// Open connects to the configured database, verifies the connection and
// initializes the schema.
func Open(cfg Config) (*Store, error) {
	dialect, err := normalizeDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}

	// database/sql knows the sqlite driver by its registration name.
	driverName := dialect
	if dialect == dialectSQLite {
		driverName = "sqlite3"
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 25
	}
	maxIdle := cfg.MaxIdle
	if maxIdle <= 0 {
		maxIdle = 5
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store, err := New(db, dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an existing database handle and initializes the schema.
// dialect must be "sqlite" (or "sqlite3"), "postgres" or "mysql".
func New(db *sql.DB, dialect string) (*Store, error) {
	d, err := normalizeDialect(dialect)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, dialect: d}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is still alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func normalizeDialect(dialect string) (string, error) {
	switch dialect {
	case "", dialectSQLite, "sqlite3":
		return dialectSQLite, nil
	case dialectPostgres:
		return dialectPostgres, nil
	case dialectMySQL:
		return dialectMySQL, nil
	default:
		return "", fmt.Errorf("unsupported dialect: %s", dialect)
	}
}

func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), schemaTimeout)
	defer cancel()

	statements := []string{
		s.serverSettingsDDL(),
		`CREATE TABLE IF NOT EXISTS tool_permissions (
			user_id VARCHAR(255) NOT NULL,
			server_setting_id BIGINT NOT NULL,
			tool_name VARCHAR(255) NOT NULL,
			is_enabled BOOLEAN NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (user_id, server_setting_id, tool_name)
		)`,
		`CREATE TABLE IF NOT EXISTS tool_approvals (
			user_id VARCHAR(255) NOT NULL,
			tool_name VARCHAR(255) NOT NULL,
			server_name VARCHAR(255),
			approval_type VARCHAR(20) NOT NULL,
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP,
			PRIMARY KEY (user_id, tool_name)
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id VARCHAR(255) PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			title TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_messages (
			conversation_id VARCHAR(255) NOT NULL,
			sequence_num INTEGER NOT NULL,
			role VARCHAR(50) NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (conversation_id, sequence_num)
		)`,
	}

	// MySQL has no CREATE INDEX IF NOT EXISTS, so it relies on the
	// primary keys alone.
	if s.dialect != dialectMySQL {
		statements = append(statements,
			`CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations (user_id, updated_at)`)
	}

	// Statements run one at a time: the sqlite driver only executes the
	// first statement of a multi-statement Exec.
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func (s *Store) serverSettingsDDL() string {
	idColumn := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	switch s.dialect {
	case dialectPostgres:
		idColumn = "id BIGSERIAL PRIMARY KEY"
	case dialectMySQL:
		idColumn = "id BIGINT PRIMARY KEY AUTO_INCREMENT"
	}
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS mcp_server_settings (
		%s,
		user_id VARCHAR(255) NOT NULL,
		server_name VARCHAR(255) NOT NULL,
		server_url TEXT NOT NULL,
		is_active BOOLEAN NOT NULL,
		description TEXT,
		credentials TEXT,
		client_id TEXT,
		client_secret TEXT,
		authorization_url TEXT,
		token_url TEXT,
		tools_manifest TEXT,
		token_expires_at BIGINT,
		last_synced_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (user_id, server_name)
	)`, idColumn)
}

// bind rewrites ? placeholders to $n when talking to PostgreSQL.
func (s *Store) bind(query string) string {
	if s.dialect == dialectPostgres {
		return convertToPostgresPlaceholders(query)
	}
	return query
}

func convertToPostgresPlaceholders(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// nullString maps "" to SQL NULL on write.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullInt64 maps 0 to SQL NULL on write.
func nullInt64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

// nullTime maps nil to SQL NULL on write.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
