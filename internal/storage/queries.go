package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateUnclassifiedQuery queues text for triage. Identical texts each get
// their own record.
func (s *Store) CreateUnclassifiedQuery(ctx context.Context, text string) (UnclassifiedQuery, error) {
	q := UnclassifiedQuery{
		ID:        uuid.New().String(),
		Text:      text,
		FirstSeen: time.Now().UTC(),
	}
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO unclassified_queries (id, text, first_seen) VALUES (?, ?, ?)`,
		q.ID, q.Text, formatTime(q.FirstSeen),
	)
	if err != nil {
		return UnclassifiedQuery{}, fmt.Errorf("inserting unclassified query: %w", err)
	}
	return q, nil
}

// ListUnclassifiedQueries returns the triage backlog, newest first.
func (s *Store) ListUnclassifiedQueries(ctx context.Context) ([]UnclassifiedQuery, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT id, text, first_seen FROM unclassified_queries ORDER BY first_seen DESC, rowid DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []UnclassifiedQuery{}
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, q)
	}
	return results, rows.Err()
}

func (s *Store) GetUnclassifiedQuery(ctx context.Context, id string) (UnclassifiedQuery, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `SELECT id, text, first_seen FROM unclassified_queries WHERE id = ?`, id)
	q, err := scanQuery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return UnclassifiedQuery{}, ErrNotFound
	}
	return q, err
}

func (s *Store) DeleteUnclassifiedQuery(ctx context.Context, id string) error {
	res, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM unclassified_queries WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanQuery(r rowScanner) (UnclassifiedQuery, error) {
	var q UnclassifiedQuery
	var firstSeen string
	if err := r.Scan(&q.ID, &q.Text, &firstSeen); err != nil {
		return UnclassifiedQuery{}, err
	}
	t, err := parseTime("first_seen", firstSeen)
	if err != nil {
		return UnclassifiedQuery{}, err
	}
	q.FirstSeen = t
	return q, nil
}
