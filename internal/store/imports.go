package store

import (
	"context"
	"time"
)

// MarkImported records an imported file by content hash. It reports false
// when the same content was imported before.
func (s *Store) MarkImported(ctx context.Context, hash, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO imported_files (hash, name, imported_at) VALUES (?, ?, ?)
		 ON CONFLICT(hash) DO NOTHING`),
		hash, name, time.Now().UTC(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// IsImported reports whether content with this hash was imported.
func (s *Store) IsImported(ctx context.Context, hash string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM imported_files WHERE hash = ?`), hash)
	return n > 0, err
}
