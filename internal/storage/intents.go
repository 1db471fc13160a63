package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const intentColumns = `id, name, examples, created_at, updated_at`

// CreateIntent inserts a new intent. It returns ErrConflict when the name is
// already used by another intent.
func (s *Store) CreateIntent(ctx context.Context, name string, examples []string) (Intent, error) {
	examplesJSON, err := encodeExamples(examples)
	if err != nil {
		return Intent{}, err
	}

	now := time.Now().UTC()
	in := Intent{
		ID:        uuid.New().String(),
		Name:      name,
		Examples:  normalizeExamples(examples),
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = s.conn(ctx).ExecContext(ctx, `
		INSERT INTO intents (id, name, examples, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		in.ID, in.Name, examplesJSON, formatTime(in.CreatedAt), formatTime(in.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Intent{}, fmt.Errorf("%w: %q", ErrConflict, name)
		}
		return Intent{}, fmt.Errorf("inserting intent: %w", err)
	}
	return in, nil
}

// ListIntents returns every intent, newest first.
func (s *Store) ListIntents(ctx context.Context) ([]Intent, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+intentColumns+` FROM intents ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []Intent{}
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, in)
	}
	return results, rows.Err()
}

func (s *Store) GetIntent(ctx context.Context, id string) (Intent, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `SELECT `+intentColumns+` FROM intents WHERE id = ?`, id)
	in, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Intent{}, ErrNotFound
	}
	return in, err
}

// FindIntentByName looks an intent up by its exact name.
func (s *Store) FindIntentByName(ctx context.Context, name string) (Intent, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `SELECT `+intentColumns+` FROM intents WHERE name = ?`, name)
	in, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Intent{}, ErrNotFound
	}
	return in, err
}

// UpdateIntent replaces the name and the whole examples list of an intent.
// The returned UpdatedAt is always strictly later than the previous one.
func (s *Store) UpdateIntent(ctx context.Context, id, name string, examples []string) (Intent, error) {
	examplesJSON, err := encodeExamples(examples)
	if err != nil {
		return Intent{}, err
	}

	var out Intent
	err = s.Atomically(ctx, func(ctx context.Context) error {
		current, err := s.GetIntent(ctx, id)
		if err != nil {
			return err
		}

		updatedAt := nextTimestamp(current.UpdatedAt)
		_, err = s.conn(ctx).ExecContext(ctx, `
			UPDATE intents SET name = ?, examples = ?, updated_at = ? WHERE id = ?`,
			name, examplesJSON, formatTime(updatedAt), id,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %q", ErrConflict, name)
			}
			return fmt.Errorf("updating intent: %w", err)
		}

		current.Name = name
		current.Examples = normalizeExamples(examples)
		current.UpdatedAt = updatedAt
		out = current
		return nil
	})
	return out, err
}

// AppendIntentExample adds one example to the end of an intent's list.
func (s *Store) AppendIntentExample(ctx context.Context, id, example string) (Intent, error) {
	var out Intent
	err := s.Atomically(ctx, func(ctx context.Context) error {
		current, err := s.GetIntent(ctx, id)
		if err != nil {
			return err
		}

		updatedAt := nextTimestamp(current.UpdatedAt)
		_, err = s.conn(ctx).ExecContext(ctx, `
			UPDATE intents SET examples = json_insert(examples, '$[#]', ?), updated_at = ? WHERE id = ?`,
			example, formatTime(updatedAt), id,
		)
		if err != nil {
			return fmt.Errorf("appending example: %w", err)
		}

		current.Examples = append(current.Examples, example)
		current.UpdatedAt = updatedAt
		out = current
		return nil
	})
	return out, err
}

func (s *Store) DeleteIntent(ctx context.Context, id string) error {
	res, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM intents WHERE id = ?`, id)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntent(r rowScanner) (Intent, error) {
	var in Intent
	var examplesJSON, createdAt, updatedAt string
	if err := r.Scan(&in.ID, &in.Name, &examplesJSON, &createdAt, &updatedAt); err != nil {
		return Intent{}, err
	}
	if err := json.Unmarshal([]byte(examplesJSON), &in.Examples); err != nil {
		return Intent{}, fmt.Errorf("decoding examples for intent %s: %w", in.ID, err)
	}
	in.Examples = normalizeExamples(in.Examples)

	var err error
	if in.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Intent{}, err
	}
	if in.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Intent{}, err
	}
	return in, nil
}

func encodeExamples(examples []string) (string, error) {
	b, err := json.Marshal(normalizeExamples(examples))
	if err != nil {
		return "", fmt.Errorf("encoding examples: %w", err)
	}
	return string(b), nil
}

func normalizeExamples(examples []string) []string {
	if examples == nil {
		return []string{}
	}
	return examples
}
