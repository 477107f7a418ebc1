package database

import (
	"fmt"
	"net/url"

	"github.com/rickgao/wsrelay/internal/config"
)

// BuildConnString builds a PostgreSQL connection string from config.
func BuildConnString(cfg config.DBConfig) string {
	// URL-encode password to handle special characters
	escapedPassword := url.QueryEscape(cfg.Password)

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	params := url.Values{}
	params.Set("sslmode", sslMode)
	if cfg.ApplicationName != "" {
		params.Set("application_name", cfg.ApplicationName)
	}
	if cfg.ConnectTimeout > 0 {
		params.Set("connect_timeout", fmt.Sprint(int(cfg.ConnectTimeout.Seconds())))
	}

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?%s",
		cfg.User,
		escapedPassword,
		cfg.Host,
		cfg.Port,
		cfg.Name,
		params.Encode(),
	)
}
