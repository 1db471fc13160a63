package triage

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/chatdesk/internal/classifier"
	"github.com/kalambet/chatdesk/internal/intents"
	"github.com/kalambet/chatdesk/internal/storage"
)

var ctx = context.Background()

// memStore is a Store without transactions, so the two resolution steps
// happen independently.
type memStore struct {
	mu      sync.Mutex
	intents map[string]storage.Intent
	queries map[string]storage.UnclassifiedQuery
	seq     int

	deleteErr error
	queueErr  error
	// conflictOnce makes the next CreateIntent behave as if another
	// writer created the same name a moment earlier.
	conflictOnce bool
}

func newMemStore() *memStore {
	return &memStore{
		intents: make(map[string]storage.Intent),
		queries: make(map[string]storage.UnclassifiedQuery),
	}
}

func (m *memStore) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

func (m *memStore) FindIntentByName(_ context.Context, name string) (storage.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, in := range m.intents {
		if in.Name == name {
			return in, nil
		}
	}
	return storage.Intent{}, storage.ErrNotFound
}

func (m *memStore) CreateIntent(_ context.Context, name string, examples []string) (storage.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflictOnce {
		m.conflictOnce = false
		id := m.nextID("intent")
		m.intents[id] = storage.Intent{ID: id, Name: name, Examples: []string{"seeded"}}
		return storage.Intent{}, storage.ErrConflict
	}
	for _, in := range m.intents {
		if in.Name == name {
			return storage.Intent{}, storage.ErrConflict
		}
	}
	now := time.Now().UTC()
	in := storage.Intent{
		ID:        m.nextID("intent"),
		Name:      name,
		Examples:  append([]string{}, examples...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.intents[in.ID] = in
	return in, nil
}

func (m *memStore) AppendIntentExample(_ context.Context, id, example string) (storage.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intents[id]
	if !ok {
		return storage.Intent{}, storage.ErrNotFound
	}
	in.Examples = append(append([]string{}, in.Examples...), example)
	in.UpdatedAt = time.Now().UTC()
	m.intents[id] = in
	return in, nil
}

func (m *memStore) CreateUnclassifiedQuery(_ context.Context, text string) (storage.UnclassifiedQuery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queueErr != nil {
		return storage.UnclassifiedQuery{}, m.queueErr
	}
	q := storage.UnclassifiedQuery{ID: m.nextID("query"), Text: text, FirstSeen: time.Now().UTC()}
	m.queries[q.ID] = q
	return q, nil
}

func (m *memStore) ListUnclassifiedQueries(context.Context) ([]storage.UnclassifiedQuery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.UnclassifiedQuery, 0, len(m.queries))
	for _, q := range m.queries {
		out = append(out, q)
	}
	return out, nil
}

func (m *memStore) GetUnclassifiedQuery(_ context.Context, id string) (storage.UnclassifiedQuery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queries[id]
	if !ok {
		return storage.UnclassifiedQuery{}, storage.ErrNotFound
	}
	return q, nil
}

func (m *memStore) DeleteUnclassifiedQuery(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	if _, ok := m.queries[id]; !ok {
		return storage.ErrNotFound
	}
	delete(m.queries, id)
	return nil
}

func (m *memStore) intentNamed(t *testing.T, name string) storage.Intent {
	t.Helper()
	in, err := m.FindIntentByName(ctx, name)
	if err != nil {
		t.Fatalf("intent %q: %v", name, err)
	}
	return in
}

type fakeGateway struct {
	replies []classifier.Message
	err     error
	calls   []string
}

func (g *fakeGateway) Parse(_ context.Context, sender, text string) ([]classifier.Message, error) {
	g.calls = append(g.calls, sender+":"+text)
	if g.err != nil {
		return nil, g.err
	}
	return g.replies, nil
}

func TestIngest_EmptyReplyQueuesQuery(t *testing.T) {
	store := newMemStore()
	gw := &fakeGateway{replies: []classifier.Message{}}
	svc := NewService(store, gw)

	got, err := svc.Ingest(ctx, "user", "  where is my refund  ")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(got) != 1 || got[0].Text != EmptyReplyText {
		t.Errorf("replies = %+v, want one %q", got, EmptyReplyText)
	}

	pending, _ := svc.Pending(ctx)
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if pending[0].Text != "where is my refund" {
		t.Errorf("queued text = %q", pending[0].Text)
	}
	if !reflect.DeepEqual(gw.calls, []string{"user:where is my refund"}) {
		t.Errorf("gateway calls = %v", gw.calls)
	}
}

func TestIngest_GatewayFailure(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, &fakeGateway{err: errors.New("connection refused")})

	got, err := svc.Ingest(ctx, "user", "hello?")
	if !errors.Is(err, ErrClassifierUnavailable) {
		t.Fatalf("err = %v, want ErrClassifierUnavailable", err)
	}
	if len(got) != 1 || got[0].Text != UnavailableReplyText {
		t.Errorf("replies = %+v, want one %q", got, UnavailableReplyText)
	}

	pending, _ := svc.Pending(ctx)
	if len(pending) != 1 || pending[0].Text != "hello?" {
		t.Errorf("pending = %+v, want the failed utterance", pending)
	}
}

// blockingGateway waits for the caller to give up, like a slow Rasa.
type blockingGateway struct{}

func (blockingGateway) Parse(ctx context.Context, _, _ string) ([]classifier.Message, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestIngest_CallerGoneStillQueues(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	svc := NewService(store, blockingGateway{})

	cctx, cancel := context.WithCancel(ctx)
	cancel()

	got, err := svc.Ingest(cctx, "user", "are you there?")
	if !errors.Is(err, ErrClassifierUnavailable) {
		t.Fatalf("err = %v, want ErrClassifierUnavailable", err)
	}
	if len(got) != 1 || got[0].Text != UnavailableReplyText {
		t.Errorf("replies = %+v", got)
	}

	pending, err := svc.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Text != "are you there?" {
		t.Fatalf("pending = %+v, want exactly the abandoned utterance", pending)
	}

	q, err := svc.Get(ctx, pending[0].ID)
	if err != nil || q.Text != "are you there?" {
		t.Errorf("Get = %+v, %v", q, err)
	}
	if _, err := svc.Get(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get(missing) err = %v, want ErrNotFound", err)
	}
}

func TestIngest_GatewayAndQueueFailure(t *testing.T) {
	store := newMemStore()
	store.queueErr = errors.New("disk full")
	svc := NewService(store, &fakeGateway{err: errors.New("timeout")})

	got, err := svc.Ingest(ctx, "user", "hello?")
	if !errors.Is(err, ErrClassifierUnavailable) {
		t.Errorf("err = %v, want ErrClassifierUnavailable", err)
	}
	if !errors.Is(err, store.queueErr) {
		t.Errorf("err = %v, want the queue error joined", err)
	}
	if len(got) != 1 || got[0].Text != UnavailableReplyText {
		t.Errorf("replies = %+v, want the fallback", got)
	}
}

func TestIngest_RepliesPassThrough(t *testing.T) {
	store := newMemStore()
	replies := []classifier.Message{
		{RecipientID: "user", Text: "Hi! How can I help?"},
		{RecipientID: "user", Text: "You can ask about orders."},
	}
	svc := NewService(store, &fakeGateway{replies: replies})

	got, err := svc.Ingest(ctx, "user", "hello")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !reflect.DeepEqual(got, replies) {
		t.Errorf("replies = %+v, want %+v", got, replies)
	}
	if pending, _ := svc.Pending(ctx); len(pending) != 0 {
		t.Errorf("answered utterance was queued: %+v", pending)
	}
}

func TestIngest_BlankMessage(t *testing.T) {
	gw := &fakeGateway{}
	svc := NewService(newMemStore(), gw)

	_, err := svc.Ingest(ctx, "user", "   ")
	var ve *intents.ValidationError
	if !errors.As(err, &ve) || ve.Field != "message" {
		t.Fatalf("err = %v, want ValidationError on message", err)
	}
	if len(gw.calls) != 0 {
		t.Errorf("gateway called %d times for blank message", len(gw.calls))
	}
}

func TestResolve_CreatesIntent(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, &fakeGateway{})
	q, _ := store.CreateUnclassifiedQuery(ctx, "hey there")

	res, err := svc.Resolve(ctx, q.ID, "greet", "foo")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.Created {
		t.Error("Created = false, want true")
	}
	if got := store.intentNamed(t, "greet").Examples; !reflect.DeepEqual(got, []string{"foo"}) {
		t.Errorf("examples = %v, want [foo]", got)
	}
	if pending, _ := svc.Pending(ctx); len(pending) != 0 {
		t.Errorf("query still pending: %+v", pending)
	}
}

func TestResolve_AppendsToExisting(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, &fakeGateway{})
	if _, err := store.CreateIntent(ctx, "greet", []string{"hi"}); err != nil {
		t.Fatal(err)
	}
	q, _ := store.CreateUnclassifiedQuery(ctx, "foo")

	res, err := svc.Resolve(ctx, q.ID, "greet", "foo")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Created {
		t.Error("Created = true, want false")
	}
	if !reflect.DeepEqual(res.Intent.Examples, []string{"hi", "foo"}) {
		t.Errorf("examples = %v, want [hi foo]", res.Intent.Examples)
	}

	if len(store.intents) != 1 {
		t.Errorf("intents = %d, want 1", len(store.intents))
	}
}

func TestResolve_MissingQueryIsHarmless(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, &fakeGateway{})

	if _, err := svc.Resolve(ctx, "gone", "greet", "foo"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := store.intentNamed(t, "greet").Examples; !reflect.DeepEqual(got, []string{"foo"}) {
		t.Errorf("examples = %v, want [foo]", got)
	}
}

func TestResolve_PartialFailure(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, &fakeGateway{})
	q, _ := store.CreateUnclassifiedQuery(ctx, "foo")
	store.deleteErr = errors.New("write failed")

	_, err := svc.Resolve(ctx, q.ID, "greet", "foo")
	var pe *PartialResolutionError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want PartialResolutionError", err)
	}
	if pe.QueryID != q.ID || pe.Intent.Name != "greet" {
		t.Errorf("PartialResolutionError = %+v", pe)
	}
	if !errors.Is(err, store.deleteErr) {
		t.Errorf("err does not wrap the delete failure: %v", err)
	}
	// The example was kept.
	if got := store.intentNamed(t, "greet").Examples; !reflect.DeepEqual(got, []string{"foo"}) {
		t.Errorf("examples = %v, want [foo]", got)
	}
}

func TestResolve_CreateConflictAppends(t *testing.T) {
	store := newMemStore()
	store.conflictOnce = true
	svc := NewService(store, &fakeGateway{})

	res, err := svc.Resolve(ctx, "q", "greet", "foo")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Created {
		t.Error("Created = true after losing the create race")
	}
	if !reflect.DeepEqual(res.Intent.Examples, []string{"seeded", "foo"}) {
		t.Errorf("examples = %v, want [seeded foo]", res.Intent.Examples)
	}
}

func TestResolve_Validation(t *testing.T) {
	svc := NewService(newMemStore(), &fakeGateway{})

	tests := []struct {
		queryID, intentName, example string
		wantField                    string
	}{
		{"", "greet", "foo", "queryId"},
		{"q", " ", "foo", "intentName"},
		{"q", "greet", "", "example"},
	}
	for _, tt := range tests {
		t.Run(tt.wantField, func(t *testing.T) {
			_, err := svc.Resolve(ctx, tt.queryID, tt.intentName, tt.example)
			var ve *intents.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if ve.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", ve.Field, tt.wantField)
			}
		})
	}
}

func TestDiscard(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, &fakeGateway{})
	q, _ := store.CreateUnclassifiedQuery(ctx, "spam")

	if err := svc.Discard(ctx, q.ID); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if err := svc.Discard(ctx, q.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second Discard = %v, want ErrNotFound", err)
	}
	if len(store.intents) != 0 {
		t.Errorf("Discard created intents: %+v", store.intents)
	}
}

func newSQLiteService(t *testing.T, gw Gateway) (*Service, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewService(store, gw), store
}

func TestSQLite_IngestThenResolve(t *testing.T) {
	svc, store := newSQLiteService(t, &fakeGateway{replies: nil})

	if _, err := svc.Ingest(ctx, "user", "cancel my order"); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	pending, err := svc.Pending(ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("Pending = %+v, %v", pending, err)
	}

	if _, err := store.CreateIntent(ctx, "cancel_order", []string{"cancel it"}); err != nil {
		t.Fatal(err)
	}
	queryID := pending[0].ID
	res, err := svc.Resolve(ctx, queryID, "cancel_order", pending[0].Text)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !reflect.DeepEqual(res.Intent.Examples, []string{"cancel it", "cancel my order"}) {
		t.Errorf("examples = %v", res.Intent.Examples)
	}
	if _, err := store.GetUnclassifiedQuery(ctx, queryID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetUnclassifiedQuery = %v, want ErrNotFound", err)
	}
}

func TestSQLite_ConcurrentResolveSameNewIntent(t *testing.T) {
	svc, store := newSQLiteService(t, &fakeGateway{})

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Resolve(ctx, fmt.Sprintf("q-%d", i), "refund", fmt.Sprintf("example %d", i))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Resolve: %v", err)
		}
	}

	list, err := store.ListIntents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("intents = %d, want exactly one refund intent", len(list))
	}
	if len(list[0].Examples) != n {
		t.Errorf("examples = %d, want %d", len(list[0].Examples), n)
	}
}
