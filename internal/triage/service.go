// Package triage decides what happens to a chat utterance after the
// classifier has seen it, and lets operators promote queued utterances into
// intent examples.
package triage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/chatdesk/internal/classifier"
	"github.com/kalambet/chatdesk/internal/intents"
	"github.com/kalambet/chatdesk/internal/storage"
)

const (
	// EmptyReplyText is returned when the classifier has nothing to say.
	EmptyReplyText = "I'm not sure how to respond to that."
	// UnavailableReplyText is returned when the classifier cannot be reached.
	UnavailableReplyText = "Sorry, I'm having trouble communicating with the bot service. Please try again later."
)

// queueTimeout bounds the backlog write, which outlives the request context.
const queueTimeout = 5 * time.Second

// ErrClassifierUnavailable wraps any failure of the classifier call.
var ErrClassifierUnavailable = errors.New("classifier unavailable")

// Gateway sends an utterance to the external classifier.
// Implemented by classifier.Client.
type Gateway interface {
	Parse(ctx context.Context, sender, text string) ([]classifier.Message, error)
}

// Store defines the storage operations the Service needs.
// Implemented by storage.Store.
type Store interface {
	FindIntentByName(ctx context.Context, name string) (storage.Intent, error)
	CreateIntent(ctx context.Context, name string, examples []string) (storage.Intent, error)
	AppendIntentExample(ctx context.Context, id, example string) (storage.Intent, error)
	CreateUnclassifiedQuery(ctx context.Context, text string) (storage.UnclassifiedQuery, error)
	ListUnclassifiedQueries(ctx context.Context) ([]storage.UnclassifiedQuery, error)
	GetUnclassifiedQuery(ctx context.Context, id string) (storage.UnclassifiedQuery, error)
	DeleteUnclassifiedQuery(ctx context.Context, id string) error
}

// Transactor is implemented by stores that can run several writes as one
// unit. storage.Store implements it with a SQLite transaction.
type Transactor interface {
	Atomically(ctx context.Context, fn func(ctx context.Context) error) error
}

// PartialResolutionError means the intent gained its example but the query
// could not be removed from the backlog. Resolving the same query again is
// harmless.
type PartialResolutionError struct {
	QueryID string
	Intent  storage.Intent
	Err     error
}

func (e *PartialResolutionError) Error() string {
	return fmt.Sprintf("intent %q updated but query %s was not removed: %v", e.Intent.Name, e.QueryID, e.Err)
}

func (e *PartialResolutionError) Unwrap() error { return e.Err }

type Service struct {
	store   Store
	gateway Gateway
}

func NewService(store Store, gateway Gateway) *Service {
	return &Service{store: store, gateway: gateway}
}

// Ingest runs one chat turn. Non-empty classifier replies are returned as is.
// An empty reply or a classifier failure queues text for triage and returns a
// single fallback message; on failure the returned error wraps
// ErrClassifierUnavailable. The fallback replies are returned even when err
// is non-nil so callers always have something to show.
func (s *Service) Ingest(ctx context.Context, sender, text string) ([]classifier.Message, error) {
	text, err := intents.Required("message", text)
	if err != nil {
		return nil, err
	}

	replies, gwErr := s.gateway.Parse(ctx, sender, text)
	if gwErr == nil && len(replies) > 0 {
		return replies, nil
	}

	fallback := []classifier.Message{{Text: EmptyReplyText}}
	if gwErr != nil {
		slog.Error("classifier call failed", "error", gwErr)
		fallback = []classifier.Message{{Text: UnavailableReplyText}}
	}

	// A caller that hung up while the classifier was slow still gets its
	// utterance queued.
	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), queueTimeout)
	defer cancel()
	q, err := s.store.CreateUnclassifiedQuery(qctx, text)
	if err != nil {
		slog.Error("failed to queue unclassified query", "error", err)
		if gwErr != nil {
			return fallback, errors.Join(fmt.Errorf("%w: %v", ErrClassifierUnavailable, gwErr), err)
		}
		return fallback, fmt.Errorf("queueing unclassified query: %w", err)
	}
	slog.Info("utterance queued for triage", "query_id", q.ID, "classifier_failed", gwErr != nil)

	if gwErr != nil {
		return fallback, fmt.Errorf("%w: %v", ErrClassifierUnavailable, gwErr)
	}
	return fallback, nil
}

// Resolution is the outcome of a successful Resolve.
type Resolution struct {
	Intent  storage.Intent
	Created bool
}

// Resolve files a queued utterance under intentName: the example is
// appended to the intent of that name, or a new intent is created, and then
// the query leaves the backlog. A query that is already gone is not an
// error. If the store is a Transactor both steps commit or roll back
// together; otherwise a failure of the second step after the first succeeded
// is reported as a *PartialResolutionError.
func (s *Service) Resolve(ctx context.Context, queryID, intentName, example string) (Resolution, error) {
	queryID, err := intents.Required("queryId", queryID)
	if err != nil {
		return Resolution{}, err
	}
	intentName, err = intents.Required("intentName", intentName)
	if err != nil {
		return Resolution{}, err
	}
	example, err = intents.Required("example", example)
	if err != nil {
		return Resolution{}, err
	}

	var res Resolution
	if tx, ok := s.store.(Transactor); ok {
		err = tx.Atomically(ctx, func(ctx context.Context) error {
			r, err := s.promote(ctx, intentName, example)
			if err != nil {
				return err
			}
			if err := s.removeQuery(ctx, queryID); err != nil {
				return fmt.Errorf("removing query %s: %w", queryID, err)
			}
			res = r
			return nil
		})
		if err != nil {
			return Resolution{}, err
		}
	} else {
		res, err = s.promote(ctx, intentName, example)
		if err != nil {
			return Resolution{}, err
		}
		if err := s.removeQuery(ctx, queryID); err != nil {
			slog.Error("query promoted but not removed", "query_id", queryID, "intent", res.Intent.Name, "error", err)
			return Resolution{}, &PartialResolutionError{QueryID: queryID, Intent: res.Intent, Err: err}
		}
	}

	slog.Info("query resolved",
		"query_id", queryID, "intent", res.Intent.Name,
		"intent_created", res.Created, "examples", len(res.Intent.Examples),
	)
	return res, nil
}

func (s *Service) removeQuery(ctx context.Context, queryID string) error {
	err := s.store.DeleteUnclassifiedQuery(ctx, queryID)
	if errors.Is(err, storage.ErrNotFound) {
		slog.Debug("resolved query was already removed", "query_id", queryID)
		return nil
	}
	return err
}

// promote finds or creates the intent and adds the example. Creation goes
// through the store's unique-name check; losing that race falls back to
// appending to the winner.
func (s *Service) promote(ctx context.Context, name, example string) (Resolution, error) {
	in, err := s.store.FindIntentByName(ctx, name)
	if err == nil {
		in, err = s.store.AppendIntentExample(ctx, in.ID, example)
		if err != nil {
			return Resolution{}, fmt.Errorf("appending example to %q: %w", name, err)
		}
		return Resolution{Intent: in}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return Resolution{}, fmt.Errorf("looking up intent %q: %w", name, err)
	}

	in, err = s.store.CreateIntent(ctx, name, []string{example})
	if err == nil {
		return Resolution{Intent: in, Created: true}, nil
	}
	if !errors.Is(err, storage.ErrConflict) {
		return Resolution{}, fmt.Errorf("creating intent %q: %w", name, err)
	}

	in, err = s.store.FindIntentByName(ctx, name)
	if err != nil {
		return Resolution{}, fmt.Errorf("looking up intent %q after conflict: %w", name, err)
	}
	in, err = s.store.AppendIntentExample(ctx, in.ID, example)
	if err != nil {
		return Resolution{}, fmt.Errorf("appending example to %q: %w", name, err)
	}
	return Resolution{Intent: in}, nil
}

// Discard drops a query from the backlog without promoting it.
func (s *Service) Discard(ctx context.Context, queryID string) error {
	if err := s.store.DeleteUnclassifiedQuery(ctx, queryID); err != nil {
		return err
	}
	slog.Info("query discarded", "query_id", queryID)
	return nil
}

// Get returns one queued utterance.
func (s *Service) Get(ctx context.Context, queryID string) (storage.UnclassifiedQuery, error) {
	return s.store.GetUnclassifiedQuery(ctx, queryID)
}

// Pending returns the triage backlog, newest first.
func (s *Service) Pending(ctx context.Context) ([]storage.UnclassifiedQuery, error) {
	return s.store.ListUnclassifiedQueries(ctx)
}
