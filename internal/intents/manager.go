package intents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/chatdesk/internal/nlu"
	"github.com/kalambet/chatdesk/internal/storage"
)

// IntentStore defines the storage operations the Manager needs.
// Implemented by storage.Store.
type IntentStore interface {
	CreateIntent(ctx context.Context, name string, examples []string) (storage.Intent, error)
	ListIntents(ctx context.Context) ([]storage.Intent, error)
	GetIntent(ctx context.Context, id string) (storage.Intent, error)
	FindIntentByName(ctx context.Context, name string) (storage.Intent, error)
	UpdateIntent(ctx context.Context, id, name string, examples []string) (storage.Intent, error)
	DeleteIntent(ctx context.Context, id string) error
	Atomically(ctx context.Context, fn func(ctx context.Context) error) error
}

// ValidationError reports a missing or malformed request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// Required checks that value is not blank and returns it trimmed.
func Required(field, value string) (string, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return "", &ValidationError{Field: field, Reason: "is required"}
	}
	return v, nil
}

// NormalizeName validates an intent name. Surrounding whitespace is not
// part of the name.
func NormalizeName(name string) (string, error) {
	return Required("intent_name", name)
}

// Manager is the intent management surface used by the HTTP API, the MCP
// tools and the triage service.
type Manager struct {
	store IntentStore
}

func NewManager(store IntentStore) *Manager {
	return &Manager{store: store}
}

func (m *Manager) Create(ctx context.Context, name string, examples []string) (storage.Intent, error) {
	name, err := NormalizeName(name)
	if err != nil {
		return storage.Intent{}, err
	}
	in, err := m.store.CreateIntent(ctx, name, examples)
	if err != nil {
		return storage.Intent{}, err
	}
	slog.Info("intent created", "id", in.ID, "name", in.Name, "examples", len(in.Examples))
	return in, nil
}

// List returns all intents, newest first.
func (m *Manager) List(ctx context.Context) ([]storage.Intent, error) {
	return m.store.ListIntents(ctx)
}

func (m *Manager) Get(ctx context.Context, id string) (storage.Intent, error) {
	return m.store.GetIntent(ctx, id)
}

// Update replaces the name and the entire examples list; it does not merge.
func (m *Manager) Update(ctx context.Context, id, name string, examples []string) (storage.Intent, error) {
	name, err := NormalizeName(name)
	if err != nil {
		return storage.Intent{}, err
	}
	in, err := m.store.UpdateIntent(ctx, id, name, examples)
	if err != nil {
		return storage.Intent{}, err
	}
	slog.Info("intent updated", "id", in.ID, "name", in.Name, "examples", len(in.Examples))
	return in, nil
}

// Delete removes an intent permanently. Nothing references intents by id,
// so there is nothing to cascade.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.store.DeleteIntent(ctx, id); err != nil {
		return err
	}
	slog.Info("intent deleted", "id", id)
	return nil
}

// ImportResult summarizes an Import run.
type ImportResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
	Skipped int `json:"skipped"`
}

// Import loads training data as one unit. Intents without examples are
// skipped. With replace set, every existing intent is deleted first;
// otherwise an existing intent of the same name has its examples replaced.
func (m *Manager) Import(ctx context.Context, data []nlu.TrainingIntent, replace bool) (ImportResult, error) {
	var res ImportResult
	err := m.store.Atomically(ctx, func(ctx context.Context) error {
		res = ImportResult{}
		if replace {
			existing, err := m.store.ListIntents(ctx)
			if err != nil {
				return fmt.Errorf("listing intents: %w", err)
			}
			for _, in := range existing {
				if err := m.store.DeleteIntent(ctx, in.ID); err != nil {
					return fmt.Errorf("deleting intent %q: %w", in.Name, err)
				}
				res.Deleted++
			}
		}

		for _, ti := range data {
			name, err := NormalizeName(ti.Name)
			if err != nil || len(ti.Examples) == 0 {
				res.Skipped++
				continue
			}

			current, err := m.store.FindIntentByName(ctx, name)
			switch {
			case err == nil:
				if _, err := m.store.UpdateIntent(ctx, current.ID, name, ti.Examples); err != nil {
					return fmt.Errorf("updating intent %q: %w", name, err)
				}
				res.Updated++
			case errors.Is(err, storage.ErrNotFound):
				if _, err := m.store.CreateIntent(ctx, name, ti.Examples); err != nil {
					return fmt.Errorf("creating intent %q: %w", name, err)
				}
				res.Created++
			default:
				return fmt.Errorf("looking up intent %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return ImportResult{}, err
	}
	slog.Info("training data imported",
		"created", res.Created, "updated", res.Updated,
		"deleted", res.Deleted, "skipped", res.Skipped,
	)
	return res, nil
}

// Export returns every intent as training data, oldest first.
func (m *Manager) Export(ctx context.Context) ([]nlu.TrainingIntent, error) {
	list, err := m.store.ListIntents(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]nlu.TrainingIntent, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		out = append(out, nlu.TrainingIntent{Name: list[i].Name, Examples: list[i].Examples})
	}
	return out, nil
}
