package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketplace-sync/internal/config"
	"marketplace-sync/internal/domain"
	"marketplace-sync/internal/ierr"
)

const eventually = 2 * time.Second

func testConfig() *config.Config {
	return &config.Config{
		Push: config.PushConfig{
			PublicURL:          "ws://push.test/public",
			AuthenticatedURL:   "ws://push.test/private",
			ReconnectBaseDelay: 10 * time.Millisecond,
			ReconnectMaxDelay:  50 * time.Millisecond,
		},
		Session: config.SessionConfig{CheckInterval: time.Hour, ExpiringWindow: time.Minute},
	}
}

type fakeConn struct {
	frames chan domain.WireEnvelope
	sent   chan domain.WireEnvelope
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan domain.WireEnvelope, 16),
		sent:   make(chan domain.WireEnvelope, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (domain.WireEnvelope, error) {
	select {
	case env := <-c.frames:
		return env, nil
	case <-c.closed:
		return domain.WireEnvelope{}, errors.New("connection closed")
	}
}

func (c *fakeConn) Send(message domain.WireEnvelope) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.sent <- message
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(t *testing.T, typ string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	c.frames <- domain.WireEnvelope{Type: typ, Payload: raw}
}

// expectCommand skips other frames until one of typ arrives.
func (c *fakeConn) expectCommand(t *testing.T, typ string) domain.RoomCommand {
	t.Helper()
	deadline := time.After(eventually)
	for {
		select {
		case env := <-c.sent:
			if env.Type != typ {
				continue
			}
			var cmd domain.RoomCommand
			require.NoError(t, json.Unmarshal(env.Payload, &cmd))
			return cmd
		case <-deadline:
			t.Fatalf("no %s command sent", typ)
			return domain.RoomCommand{}
		}
	}
}

type fakeDialer struct {
	dials chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dials: make(chan *fakeConn, 8)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string, token string) (domain.Conn, error) {
	conn := newFakeConn()
	d.dials <- conn
	return conn, nil
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case conn := <-d.dials:
		return conn
	case <-time.After(eventually):
		t.Fatal("nothing dialed")
		return nil
	}
}

type fakeAPI struct {
	mu      sync.Mutex
	bodies  map[string]string
	gates   map[string]chan struct{}
	entered chan string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		bodies:  make(map[string]string),
		gates:   make(map[string]chan struct{}),
		entered: make(chan string, 8),
	}
}

func (f *fakeAPI) reply(method, path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies[method+" "+path] = body
}

// hold blocks calls to route until the returned func is called.
func (f *fakeAPI) hold(method, path string) func() {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gates[method+" "+path] = gate
	f.mu.Unlock()
	return func() { close(gate) }
}

func (f *fakeAPI) Get(ctx context.Context, path string) (json.RawMessage, error) {
	return f.Do(ctx, "GET", path, nil)
}

func (f *fakeAPI) Do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	route := method + " " + path
	f.mu.Lock()
	reply, ok := f.bodies[route]
	gate := f.gates[route]
	f.mu.Unlock()

	if gate != nil {
		f.entered <- route
		<-gate
	}
	if !ok {
		return nil, ierr.Newf(ierr.ErrorCodeNotFound, "no route for "+route)
	}
	return json.RawMessage(reply), nil
}

type fakeJournal struct {
	mu      sync.Mutex
	records []domain.MutationStatus
}

func (j *fakeJournal) Record(ctx context.Context, mutation *domain.OptimisticMutation) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, mutation.Status)
	return nil
}

func (j *fakeJournal) statuses() []domain.MutationStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]domain.MutationStatus, len(j.records))
	copy(out, j.records)
	return out
}
