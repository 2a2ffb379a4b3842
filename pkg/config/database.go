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

package config

import "fmt"

// DatabaseConfig holds configuration for SQL database connections.
// Supports SQLite, PostgreSQL and MySQL.
type DatabaseConfig struct {
	// Driver specifies the database driver: "sqlite", "postgres" or
	// "mysql".
	Driver string `yaml:"driver,omitempty" json:"driver,omitempty" jsonschema:"title=Driver,description=Database driver,enum=sqlite,enum=sqlite3,enum=postgres,enum=mysql,default=sqlite"`

	// Host is the database server hostname (not used by SQLite).
	Host string `yaml:"host,omitempty" json:"host,omitempty" jsonschema:"title=Host,description=Database server hostname (not used by SQLite)"`

	// Port is the database server port (not used by SQLite).
	Port int `yaml:"port,omitempty" json:"port,omitempty" jsonschema:"title=Port,description=Database server port (not used by SQLite)"`

	// Database is the database name, or the file path for SQLite.
	Database string `yaml:"database,omitempty" json:"database,omitempty" jsonschema:"title=Database,description=Database name (file path for SQLite),default=argus.db"`

	// Username for database authentication (not used by SQLite).
	Username string `yaml:"username,omitempty" json:"username,omitempty" jsonschema:"title=Username,description=Database username"`

	// Password for database authentication (not used by SQLite).
	Password string `yaml:"password,omitempty" json:"password,omitempty" jsonschema:"title=Password,description=Database password"`

	// SSLMode for PostgreSQL connections.
	SSLMode string `yaml:"ssl_mode,omitempty" json:"ssl_mode,omitempty" jsonschema:"title=SSL Mode,description=SSL mode for PostgreSQL connections,default=disable"`

	// MaxConns is the maximum number of open connections.
	MaxConns int `yaml:"max_conns,omitempty" json:"max_conns,omitempty" jsonschema:"title=Max Open Connections,description=Maximum open connections,minimum=1,default=25"`

	// MaxIdle is the maximum number of idle connections.
	MaxIdle int `yaml:"max_idle,omitempty" json:"max_idle,omitempty" jsonschema:"title=Max Idle Connections,description=Maximum idle connections,minimum=1,default=5"`
}

// SetDefaults applies default values to the database config.
func (c *DatabaseConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "sqlite"
	}
	if c.Database == "" && (c.Driver == "sqlite" || c.Driver == "sqlite3") {
		c.Database = "argus.db"
	}
	if c.MaxConns == 0 {
		c.MaxConns = 25
	}
	if c.MaxIdle == 0 {
		c.MaxIdle = 5
	}

	// Default ports per driver
	if c.Port == 0 {
		switch c.Driver {
		case "postgres":
			c.Port = 5432
		case "mysql":
			c.Port = 3306
		}
	}

	if c.Driver == "postgres" && c.SSLMode == "" {
		c.SSLMode = "disable"
	}
}

// Validate checks the database configuration.
func (c *DatabaseConfig) Validate() error {
	validDrivers := map[string]bool{
		"postgres": true,
		"mysql":    true,
		"sqlite":   true,
		"sqlite3":  true,
	}
	if !validDrivers[c.Driver] {
		return fmt.Errorf("invalid driver %q (valid: sqlite, postgres, mysql)", c.Driver)
	}

	if c.Database == "" {
		return fmt.Errorf("database is required")
	}

	if c.Driver != "sqlite" && c.Driver != "sqlite3" {
		if c.Host == "" {
			return fmt.Errorf("host is required for %s", c.Driver)
		}
	}

	if c.MaxConns < 0 {
		return fmt.Errorf("max_conns must be non-negative")
	}
	if c.MaxIdle < 0 {
		return fmt.Errorf("max_idle must be non-negative")
	}

	return nil
}

// DSN returns the data source name (connection string) for the
// configured driver.
func (c *DatabaseConfig) DSN() string {
	switch c.Driver {
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%d dbname=%s", c.Host, c.Port, c.Database)
		if c.Username != "" {
			dsn += fmt.Sprintf(" user=%s", c.Username)
		}
		if c.Password != "" {
			dsn += fmt.Sprintf(" password=%s", c.Password)
		}
		if c.SSLMode != "" {
			dsn += fmt.Sprintf(" sslmode=%s", c.SSLMode)
		}
		return dsn
	case "mysql":
		// [username[:password]@]tcp(address)/dbname
		if c.Username != "" {
			return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
				c.Username, c.Password, c.Host, c.Port, c.Database)
		}
		return fmt.Sprintf("tcp(%s:%d)/%s?parseTime=true", c.Host, c.Port, c.Database)
	case "sqlite", "sqlite3":
		// For SQLite the database is the file path.
		return c.Database
	default:
		return ""
	}
}
