package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketplace-sync/internal/cache"
	"marketplace-sync/internal/domain"
	"marketplace-sync/internal/ierr"
	"marketplace-sync/internal/merge"
	"marketplace-sync/pkg/logger"
)

const eventually = 2 * time.Second

type handlerFunc func(ctx context.Context, body any) (json.RawMessage, error)

type apiCall struct {
	Method string
	Path   string
	Body   any
}

// fakeAPI answers requests from routes keyed by "METHOD path".
type fakeAPI struct {
	mu     sync.Mutex
	routes map[string]handlerFunc
	calls  []apiCall
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{routes: make(map[string]handlerFunc)}
}

func (f *fakeAPI) on(method, path string, fn handlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[method+" "+path] = fn
}

func (f *fakeAPI) reply(method, path, body string) {
	f.on(method, path, func(context.Context, any) (json.RawMessage, error) {
		return json.RawMessage(body), nil
	})
}

func (f *fakeAPI) fail(method, path string, err error) {
	f.on(method, path, func(context.Context, any) (json.RawMessage, error) {
		return nil, err
	})
}

func (f *fakeAPI) Get(ctx context.Context, path string) (json.RawMessage, error) {
	return f.Do(ctx, "GET", path, nil)
}

func (f *fakeAPI) Do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, apiCall{Method: method, Path: path, Body: body})
	fn, ok := f.routes[method+" "+path]
	f.mu.Unlock()

	if !ok {
		return nil, ierr.Newf(ierr.ErrorCodeNotFound, "no route for "+method+" "+path)
	}
	return fn(ctx, body)
}

func (f *fakeAPI) count(method, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Method == method && c.Path == path {
			n++
		}
	}
	return n
}

func (f *fakeAPI) history() []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]apiCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// callGate blocks handlers until released and tells the test when one is
// waiting.
type callGate struct {
	entered chan struct{}
	release chan struct{}
}

func newCallGate() *callGate {
	return &callGate{entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (g *callGate) wrap(fn handlerFunc) handlerFunc {
	return func(ctx context.Context, body any) (json.RawMessage, error) {
		g.entered <- struct{}{}
		<-g.release
		return fn(ctx, body)
	}
}

func (g *callGate) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(eventually):
		t.Fatal("remote call not started")
	}
}

func (g *callGate) open() { close(g.release) }

func respond(body string) handlerFunc {
	return func(context.Context, any) (json.RawMessage, error) {
		return json.RawMessage(body), nil
	}
}

type fakeTokens struct {
	mu       sync.Mutex
	token    string
	expiry   time.Time
	watchers map[int]func(string)
	next     int
	cleared  int
}

func newFakeTokens(token string, expiry time.Time) *fakeTokens {
	return &fakeTokens{token: token, expiry: expiry, watchers: make(map[int]func(string))}
}

func (f *fakeTokens) Token() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeTokens) Expiry() (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expiry, f.token != "" && !f.expiry.IsZero()
}

func (f *fakeTokens) Clear() {
	f.mu.Lock()
	f.cleared++
	f.mu.Unlock()
	f.set("", time.Time{})
}

func (f *fakeTokens) Watch(fn func(string)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.watchers[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.watchers, id)
	}
}

func (f *fakeTokens) set(token string, expiry time.Time) {
	f.mu.Lock()
	f.token, f.expiry = token, expiry
	watchers := make([]func(string), 0, len(f.watchers))
	for _, fn := range f.watchers {
		watchers = append(watchers, fn)
	}
	f.mu.Unlock()

	for _, fn := range watchers {
		fn(token)
	}
}

func (f *fakeTokens) clearCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleared
}

type fakeNavigator struct {
	mu      sync.Mutex
	targets []string
}

func (n *fakeNavigator) Redirect(target string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.targets = append(n.targets, target)
	return nil
}

func (n *fakeNavigator) redirects() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.targets))
	copy(out, n.targets)
	return out
}

type fakeSender struct {
	mu   sync.Mutex
	sent []domain.WireEnvelope
	err  error
}

func (s *fakeSender) SendCommand(channel domain.ChannelKind, message domain.WireEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, message)
	return nil
}

func (s *fakeSender) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// commands renders sent envelopes as "room.join A1".
func (s *fakeSender) commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, env := range s.sent {
		var cmd domain.RoomCommand
		_ = json.Unmarshal(env.Payload, &cmd)
		out = append(out, env.Type+" "+cmd.AuctionID)
	}
	return out
}

type fakeJournal struct {
	mu      sync.Mutex
	records []domain.MutationStatus
}

func (j *fakeJournal) Record(_ context.Context, m *domain.OptimisticMutation) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, m.Status)
	return nil
}

func (j *fakeJournal) statuses() []domain.MutationStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]domain.MutationStatus, len(j.records))
	copy(out, j.records)
	return out
}

// testEnv wires the cache, the coordinator, the dispatcher and a reader
// the way the engine does.
type testEnv struct {
	cache       *cache.EntityCache
	api         *fakeAPI
	journal     *fakeJournal
	coordinator *MutationCoordinator
	dispatcher  *Dispatcher
	reader      *Reader
}

func newTestEnv() *testEnv {
	log := logger.NewNop()
	c := cache.New(log)
	api := newFakeAPI()
	journal := &fakeJournal{}
	registry := merge.DefaultRegistry()
	coordinator := NewMutationCoordinator(c, journal, nil, log)

	return &testEnv{
		cache:       c,
		api:         api,
		journal:     journal,
		coordinator: coordinator,
		dispatcher:  NewDispatcher(c, registry, coordinator, nil, log),
		reader:      NewReader(c, api, registry, coordinator, nil, log),
	}
}

func (e *testEnv) value(key domain.EntityKey) any {
	entry, _ := e.cache.Get(key)
	return entry.Value
}

func (e *testEnv) auction(key domain.EntityKey) domain.Auction {
	a, _ := e.value(key).(domain.Auction)
	return a
}

func pushEvent(t *testing.T, entity domain.EntityType, op domain.Operation, payload any) domain.PushEvent {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return domain.PushEvent{Entity: entity, Operation: op, Payload: raw}
}
