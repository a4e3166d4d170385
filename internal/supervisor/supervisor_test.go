package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/relaymq/forwarder/internal/broker"
	"github.com/relaymq/forwarder/internal/domain"
	"github.com/relaymq/forwarder/internal/epoch"
	"github.com/relaymq/forwarder/internal/registry"
)

type fakeLink struct {
	dialCalls     int
	recreateCalls int
	closeCalls    int
	dialErr       error
	recreateErr   error
}

func (l *fakeLink) Dial(ctx context.Context) error           { l.dialCalls++; return l.dialErr }
func (l *fakeLink) RecreateChannel(ctx context.Context) error { l.recreateCalls++; return l.recreateErr }
func (l *fakeLink) Close() error                              { l.closeCalls++; return nil }

type fakeConfigStore struct {
	mu      sync.Mutex
	specs   []domain.ConsumerSpec
	deleted []string
	loadErr error
}

func (s *fakeConfigStore) LoadAll(ctx context.Context) ([]domain.ConsumerSpec, error) {
	return s.specs, s.loadErr
}

func (s *fakeConfigStore) Delete(ctx context.Context, queue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, queue)
	return nil
}

type startCall struct {
	queue string
	epoch int64
}

type fakeStarter struct {
	mu          sync.Mutex
	started     []startCall
	notFoundFor map[string]bool
}

func (st *fakeStarter) Start(ctx context.Context, spec domain.ConsumerSpec, ep int64) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.notFoundFor != nil && st.notFoundFor[spec.Queue] {
		return broker.ErrNotFound
	}
	st.started = append(st.started, startCall{spec.Queue, ep})
	return nil
}

type finishCall struct {
	url, queue string
	last       []byte
}

type fakeWebhookNotifier struct {
	calls []finishCall
}

func (w *fakeWebhookNotifier) NotifyFinish(ctx context.Context, url, queue string, lastMessage []byte) {
	w.calls = append(w.calls, finishCall{url, queue, lastMessage})
}

func newTestSupervisor(link Link, st ConfigStore, starter ConsumerStarter, wh WebhookNotifier, exit ExitFunc, maxAttempts int) (*Supervisor, *epoch.Manager, *registry.Registry) {
	em := epoch.NewManager()
	reg := registry.New()
	s := New(Config{
		Link:             link,
		EpochMgr:         em,
		Registry:         reg,
		Store:            st,
		Starter:          starter,
		Webhook:          wh,
		FinishWebhookURL: "http://example.test/finish",
		MaxAttempts:      maxAttempts,
		Exit:             exit,
		Logger:           zap.NewNop(),
	})
	return s, em, reg
}

func TestSupervisor_FullReconnect_BumpsEpochAndRestores(t *testing.T) {
	link := &fakeLink{}
	st := &fakeConfigStore{specs: []domain.ConsumerSpec{
		{Queue: "q1", Webhook: "http://w", MinIntervalMs: 1, MaxIntervalMs: 1, BusinessHoursEnd: 24},
	}}
	starter := &fakeStarter{}
	wh := &fakeWebhookNotifier{}
	s, em, reg := newTestSupervisor(link, st, starter, wh, func(int) {}, 10)

	startEpoch := em.Current()
	s.reconnect(context.Background(), 0, true)

	if link.dialCalls != 1 {
		t.Fatalf("expected one Dial call, got %d", link.dialCalls)
	}
	if em.Current() != startEpoch+1 {
		t.Fatalf("expected epoch to be bumped by exactly 1, got %d -> %d", startEpoch, em.Current())
	}
	if len(starter.started) != 1 || starter.started[0].queue != "q1" || starter.started[0].epoch != em.Current() {
		t.Fatalf("expected q1 restored under the new epoch, got %+v", starter.started)
	}
	if reg.Len() != 0 {
		t.Fatalf("registry is populated by Start, not restore itself in this fake; expected supervisor to have cleared it first")
	}
	if s.reconnectInFlight {
		t.Fatal("expected reconnectInFlight to be cleared after a successful reconnect")
	}
	if s.attempts != 0 {
		t.Fatalf("expected attempts reset to 0, got %d", s.attempts)
	}
}

func TestSupervisor_ChannelRecreate_DoesNotDial(t *testing.T) {
	link := &fakeLink{}
	st := &fakeConfigStore{}
	starter := &fakeStarter{}
	wh := &fakeWebhookNotifier{}
	s, _, _ := newTestSupervisor(link, st, starter, wh, func(int) {}, 10)

	s.reconnect(context.Background(), 0, false)

	if link.recreateCalls != 1 {
		t.Fatalf("expected one RecreateChannel call, got %d", link.recreateCalls)
	}
	if link.dialCalls != 0 {
		t.Fatal("channel-only recreation must not call Dial")
	}
}

func TestSupervisor_VanishedQueue_PurgesStoreRow(t *testing.T) {
	link := &fakeLink{}
	st := &fakeConfigStore{specs: []domain.ConsumerSpec{
		{Queue: "gone", Webhook: "http://w", MaxIntervalMs: 1, BusinessHoursEnd: 24},
	}}
	starter := &fakeStarter{notFoundFor: map[string]bool{"gone": true}}
	wh := &fakeWebhookNotifier{}
	s, _, _ := newTestSupervisor(link, st, starter, wh, func(int) {}, 10)

	s.reconnect(context.Background(), 0, true)

	if len(st.deleted) != 1 || st.deleted[0] != "gone" {
		t.Fatalf("expected the vanished queue to be purged from the store, got %v", st.deleted)
	}
	if len(starter.started) != 0 {
		t.Fatal("a vanished queue must not be started as a consumer")
	}
}

func TestSupervisor_AttemptsExhausted_ExitsProcess(t *testing.T) {
	link := &fakeLink{}
	st := &fakeConfigStore{}
	starter := &fakeStarter{}
	wh := &fakeWebhookNotifier{}

	var exitCode int
	exited := false
	s, _, _ := newTestSupervisor(link, st, starter, wh, func(code int) { exited = true; exitCode = code }, 1)

	s.reconnect(context.Background(), 0, true)

	if !exited {
		t.Fatal("expected the process to exit once attempts reached the max")
	}
	if exitCode != 1 {
		t.Fatalf("expected a non-zero exit code, got %d", exitCode)
	}
	if link.closeCalls != 1 {
		t.Fatal("expected the link to be closed before exiting")
	}
	if link.dialCalls != 0 {
		t.Fatal("must not attempt another dial once exhausted")
	}
}

func TestSupervisor_ReconnectInFlight_SecondCallIsNoOp(t *testing.T) {
	link := &fakeLink{}
	st := &fakeConfigStore{}
	starter := &fakeStarter{}
	wh := &fakeWebhookNotifier{}
	s, _, _ := newTestSupervisor(link, st, starter, wh, func(int) {}, 10)

	s.mu.Lock()
	s.reconnectInFlight = true
	s.mu.Unlock()

	s.reconnect(context.Background(), 0, true)

	if link.dialCalls != 0 {
		t.Fatal("a reconnect already in flight must suppress a concurrent attempt")
	}
}

func TestSupervisor_HandleCancelled_NotifiesAndPurges(t *testing.T) {
	link := &fakeLink{}
	st := &fakeConfigStore{}
	starter := &fakeStarter{}
	wh := &fakeWebhookNotifier{}
	s, _, reg := newTestSupervisor(link, st, starter, wh, func(int) {}, 10)

	rc := domain.NewRuntimeConsumer(domain.ConsumerSpec{Queue: "q1", BusinessHoursEnd: 24}, "tag-1", 1)
	rc.LastMessage = []byte(`{"x":1}`)
	reg.Insert(rc)

	s.handleCancelled(context.Background(), "tag-1")

	if _, ok := reg.Get("q1"); ok {
		t.Fatal("expected q1 to be removed from the registry")
	}
	if len(st.deleted) != 1 || st.deleted[0] != "q1" {
		t.Fatalf("expected q1 purged from the store, got %v", st.deleted)
	}
	if len(wh.calls) != 1 || wh.calls[0].queue != "q1" {
		t.Fatalf("expected a finish notification for q1, got %+v", wh.calls)
	}
}

func TestSupervisor_HandleEvent_DispatchesConnectionClosed(t *testing.T) {
	link := &fakeLink{}
	st := &fakeConfigStore{}
	starter := &fakeStarter{}
	wh := &fakeWebhookNotifier{}
	s, _, _ := newTestSupervisor(link, st, starter, wh, func(int) {}, 10)
	s.cfg.FullReconnectDelay = time.Millisecond

	s.handleEvent(context.Background(), broker.Event{Kind: broker.ConnectionClosed})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if link.dialCalls > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if link.dialCalls != 1 {
		t.Fatalf("expected ConnectionClosed to trigger exactly one Dial, got %d", link.dialCalls)
	}
}
