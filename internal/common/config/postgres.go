package config

import "time"

type PostgresConfig struct {
	// libpq connection parameters, e.g. host, port, user, password, dbname, sslmode
	Connection      map[string]string `validate:"required"`
	MaxOpenConns    int               `validate:"gte=0"`
	MaxConnLifetime time.Duration     `validate:"gte=0"`
}
