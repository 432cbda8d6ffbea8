package database

import "context"

// Repository provides database operations
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// Health reports whether the database is reachable
func (r *Repository) Health(ctx context.Context) error {
	return r.db.Health(ctx)
}
