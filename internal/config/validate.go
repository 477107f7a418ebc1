package config

import (
	"errors"
	"fmt"
	"strings"
)

var validModes = map[string]bool{
	"broadcast": true,
	"echo":      true,
}

// Validate checks that all required fields are set and values are valid.
func (c *RelayConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Server.ListenAddr == "" {
		return errors.New("server.listen_addr is required")
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("server.path must start with /, got %q", c.Server.Path)
	}
	if c.Server.ReadLimit < 0 {
		return errors.New("server.read_limit must be >= 0")
	}
	if c.Server.PingInterval < 0 {
		return errors.New("server.ping_interval must be >= 0")
	}
	if c.Server.PingInterval > 0 && c.Server.PingTimeout <= c.Server.PingInterval {
		return fmt.Errorf("server.ping_timeout (%s) must exceed server.ping_interval (%s)",
			c.Server.PingTimeout, c.Server.PingInterval)
	}

	if !validModes[c.Relay.Mode] {
		return fmt.Errorf("relay.mode must be broadcast or echo, got %q", c.Relay.Mode)
	}

	if c.Journal.Enabled {
		if err := c.Journal.Database.validate("journal.database"); err != nil {
			return err
		}
		if c.Journal.BatchSize < 1 {
			return errors.New("journal.batch_size must be >= 1")
		}
		if c.Journal.FlushInterval <= 0 {
			return errors.New("journal.flush_interval must be > 0")
		}
	}

	if c.Health.Port < 1 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 1 and 65535, got %d", c.Health.Port)
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.StatementTimeout < 0 {
		return fmt.Errorf("%s.statement_timeout must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
