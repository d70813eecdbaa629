// Package store provides storage backends for CoachPipe.
//
// This file holds shared configuration options for the persistent backends.
package store

import "strings"

// Opts holds configuration options for persistent stores.
type Opts struct {
	// DSN is the data source name: a file path for SQLite, a connection
	// string for PostgreSQL.
	DSN string
}

// Option defines a configuration option for a store.
type Option func(*Opts)

// WithDSN sets the data source name.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite3". PostgreSQL DSNs
// use URL or key=value form; anything else is treated as a SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite3"
}

// NewStore opens the backend matching the DSN: PostgreSQL for postgres DSNs,
// SQLite for file paths, in-memory when no DSN is configured.
func NewStore(options ...Option) (Store, error) {
	var opts Opts
	for _, opt := range options {
		opt(&opts)
	}
	switch {
	case opts.DSN == "":
		return NewInMemoryStore(), nil
	case DetectDSNType(opts.DSN) == "postgres":
		return NewPostgresStore(options...)
	default:
		return NewSQLiteStore(options...)
	}
}
