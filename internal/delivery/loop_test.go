package delivery

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/relaymq/forwarder/internal/broker"
	"github.com/relaymq/forwarder/internal/domain"
	"github.com/relaymq/forwarder/internal/epoch"
	"github.com/relaymq/forwarder/internal/registry"
	"github.com/relaymq/forwarder/internal/webhook"
)

type fakeMessage struct {
	body    []byte
	acked   bool
	nacked  bool
	requeue bool
}

func (m *fakeMessage) Body() []byte { return m.body }
func (m *fakeMessage) Ack() error   { m.acked = true; return nil }
func (m *fakeMessage) Nack(requeue bool) error {
	m.nacked = true
	m.requeue = requeue
	return nil
}

type fakeBroker struct {
	messageCount int
	checkErr     error
	cancelled    bool
	cancelTag    string
}

func (b *fakeBroker) CheckQueue(ctx context.Context, queue string) (broker.QueueInfo, error) {
	if b.checkErr != nil {
		return broker.QueueInfo{}, b.checkErr
	}
	return broker.QueueInfo{MessageCount: b.messageCount}, nil
}

func (b *fakeBroker) Cancel(tag string) error {
	b.cancelled = true
	b.cancelTag = tag
	return nil
}

type fakeStore struct {
	deleted []string
}

func (s *fakeStore) Delete(ctx context.Context, queue string) error {
	s.deleted = append(s.deleted, queue)
	return nil
}

type finishCall struct {
	url, queue string
	last       []byte
}

type fakeWebhook struct {
	calls       []any
	outcome     webhook.Outcome
	status      int
	err         error
	finishCalls []finishCall
}

func (w *fakeWebhook) Deliver(ctx context.Context, url string, payload any) (webhook.Outcome, int, error) {
	w.calls = append(w.calls, payload)
	return w.outcome, w.status, w.err
}

func (w *fakeWebhook) NotifyFinish(ctx context.Context, url, queue string, lastMessage []byte) {
	w.finishCalls = append(w.finishCalls, finishCall{url, queue, append([]byte(nil), lastMessage...)})
}

func testSpec(queue string, minMs, maxMs int64, hoursStart, hoursEnd int) domain.ConsumerSpec {
	return domain.ConsumerSpec{
		Queue:              queue,
		Webhook:            "http://example.test/hook",
		MinIntervalMs:      minMs,
		MaxIntervalMs:      maxMs,
		BusinessHoursStart: hoursStart,
		BusinessHoursEnd:   hoursEnd,
	}
}

// newTestLoop wires a Loop with no-op sleep and a fixed clock/rand, so tests
// run instantly and deterministically.
func newTestLoop(reg *registry.Registry, em *epoch.Manager, br QueueProbe, st ConfigStore, wh WebhookCaller, queue, tag string, ep int64, clockHour int) *Loop {
	return New(Config{
		Queue:            queue,
		Tag:              tag,
		Epoch:            ep,
		EpochMgr:         em,
		Registry:         reg,
		Broker:           br,
		Store:            st,
		Webhook:          wh,
		FinishWebhookURL: "http://example.test/finish",
		Location:         time.UTC,
		Logger:           zap.NewNop(),
		Rand:             func() float64 { return 0 },
		Sleep:            func(time.Duration) {},
		Clock: func() time.Time {
			return time.Date(2026, 1, 1, clockHour, 0, 0, 0, time.UTC)
		},
	})
}

// S1: happy path — single message, queue drains after ack.
func TestLoop_HappyPath(t *testing.T) {
	reg := registry.New()
	reg.Insert(domain.NewRuntimeConsumer(testSpec("q1", 1000, 1000, 0, 24), "tag-1", 1))
	em := epoch.NewManager()
	em.Bump() // epoch now 1, matching captured epoch below
	br := &fakeBroker{messageCount: 0}
	st := &fakeStore{}
	wh := &fakeWebhook{outcome: webhook.Delivered, status: 200}

	lp := newTestLoop(reg, em, br, st, wh, "q1", "tag-1", em.Current(), 12)
	msg := &fakeMessage{body: []byte(`{"x":1}`)}

	terminated := lp.handle(context.Background(), msg)
	if !terminated {
		t.Fatal("expected drain to terminate the loop")
	}
	if !msg.acked {
		t.Error("expected message to be acked")
	}
	if msg.nacked {
		t.Error("did not expect a nack")
	}
	if _, ok := reg.Get("q1"); ok {
		t.Error("expected queue to be removed from registry on drain")
	}
	if len(st.deleted) != 1 || st.deleted[0] != "q1" {
		t.Fatalf("expected store delete for q1, got %v", st.deleted)
	}
	if !br.cancelled || br.cancelTag != "tag-1" {
		t.Error("expected broker cancel with the consumer tag")
	}
	if len(wh.finishCalls) != 1 || string(wh.finishCalls[0].last) != `{"x":1}` {
		t.Fatalf("expected one finish notification with the last payload, got %+v", wh.finishCalls)
	}
}

// S2: paused queue nacks without calling the webhook.
func TestLoop_Paused(t *testing.T) {
	reg := registry.New()
	rc := domain.NewRuntimeConsumer(testSpec("q1", 1000, 1000, 0, 24), "tag-1", 1)
	rc.Paused = true
	reg.Insert(rc)
	em := epoch.NewManager()
	em.Bump()
	br := &fakeBroker{}
	st := &fakeStore{}
	wh := &fakeWebhook{outcome: webhook.Delivered, status: 200}

	lp := newTestLoop(reg, em, br, st, wh, "q1", "tag-1", em.Current(), 12)
	msg := &fakeMessage{body: []byte(`{"x":1}`)}

	terminated := lp.handle(context.Background(), msg)
	if terminated {
		t.Fatal("pause must not terminate the consumer")
	}
	if !msg.nacked || !msg.requeue {
		t.Fatal("expected a requeuing nack while paused")
	}
	if len(wh.calls) != 0 {
		t.Fatal("did not expect the webhook to be called while paused")
	}
	if rc, ok := reg.Get("q1"); !ok || !rc.Paused {
		t.Fatal("expected q1 to remain registered and paused")
	}
}

// S3: outside business hours nacks without calling the webhook.
func TestLoop_OutsideBusinessHours(t *testing.T) {
	reg := registry.New()
	reg.Insert(domain.NewRuntimeConsumer(testSpec("q1", 1000, 1000, 8, 9), "tag-1", 1))
	em := epoch.NewManager()
	em.Bump()
	br := &fakeBroker{}
	st := &fakeStore{}
	wh := &fakeWebhook{outcome: webhook.Delivered, status: 200}

	lp := newTestLoop(reg, em, br, st, wh, "q1", "tag-1", em.Current(), 10)
	msg := &fakeMessage{body: []byte(`{"x":1}`)}

	terminated := lp.handle(context.Background(), msg)
	if terminated {
		t.Fatal("outside-hours must not terminate the consumer")
	}
	if !msg.nacked || !msg.requeue {
		t.Fatal("expected a requeuing nack outside business hours")
	}
	if len(wh.calls) != 0 {
		t.Fatal("did not expect the webhook to be called outside business hours")
	}
}

// S4: a webhook 500 still counts as delivered; ack, record, and continue
// toward drain detection.
func TestLoop_WebhookServerError_StillAcksAndDrains(t *testing.T) {
	reg := registry.New()
	reg.Insert(domain.NewRuntimeConsumer(testSpec("q1", 1000, 1000, 0, 24), "tag-1", 1))
	em := epoch.NewManager()
	em.Bump()
	br := &fakeBroker{messageCount: 0}
	st := &fakeStore{}
	wh := &fakeWebhook{outcome: webhook.Delivered, status: 500}

	lp := newTestLoop(reg, em, br, st, wh, "q1", "tag-1", em.Current(), 12)
	msg := &fakeMessage{body: []byte(`{"x":1}`)}

	terminated := lp.handle(context.Background(), msg)
	if !terminated {
		t.Fatal("expected drain after the (still-acked) 500 response")
	}
	if !msg.acked {
		t.Fatal("a received 500 must still be acked")
	}
	if len(wh.finishCalls) != 1 {
		t.Fatal("expected a finish notification on drain")
	}
}

// Transport failure (no response) is transient: nack and keep the consumer.
func TestLoop_WebhookTransportFailure_Nacks(t *testing.T) {
	reg := registry.New()
	reg.Insert(domain.NewRuntimeConsumer(testSpec("q1", 1000, 1000, 0, 24), "tag-1", 1))
	em := epoch.NewManager()
	em.Bump()
	br := &fakeBroker{}
	st := &fakeStore{}
	wh := &fakeWebhook{outcome: webhook.TransportFailed, err: context.DeadlineExceeded}

	lp := newTestLoop(reg, em, br, st, wh, "q1", "tag-1", em.Current(), 12)
	msg := &fakeMessage{body: []byte(`{"x":1}`)}

	terminated := lp.handle(context.Background(), msg)
	if terminated {
		t.Fatal("a transport failure must not terminate the consumer")
	}
	if !msg.nacked || !msg.requeue {
		t.Fatal("expected a requeuing nack on transport failure")
	}
}

// Malformed JSON nacks without reaching the webhook.
func TestLoop_MalformedJSON_Nacks(t *testing.T) {
	reg := registry.New()
	reg.Insert(domain.NewRuntimeConsumer(testSpec("q1", 1000, 1000, 0, 24), "tag-1", 1))
	em := epoch.NewManager()
	em.Bump()
	br := &fakeBroker{}
	st := &fakeStore{}
	wh := &fakeWebhook{outcome: webhook.Delivered, status: 200}

	lp := newTestLoop(reg, em, br, st, wh, "q1", "tag-1", em.Current(), 12)
	msg := &fakeMessage{body: []byte(`not json`)}

	terminated := lp.handle(context.Background(), msg)
	if terminated {
		t.Fatal("a decode error must not terminate the consumer")
	}
	if !msg.nacked || !msg.requeue {
		t.Fatal("expected a requeuing nack for undecodable payload")
	}
	if len(wh.calls) != 0 {
		t.Fatal("did not expect the webhook to be called for undecodable payload")
	}
}

// S5: a stale epoch at entry skips the delivery entirely — no ack, no nack.
func TestLoop_StaleEpochOnEntry_NoAckNoNack(t *testing.T) {
	reg := registry.New()
	reg.Insert(domain.NewRuntimeConsumer(testSpec("q1", 1000, 1000, 0, 24), "tag-1", 1))
	em := epoch.NewManager()
	em.Bump() // epoch 1
	capturedEpoch := em.Current()
	em.Bump() // epoch 2 — supervisor recreated the channel mid-flight
	br := &fakeBroker{}
	st := &fakeStore{}
	wh := &fakeWebhook{outcome: webhook.Delivered, status: 200}

	lp := newTestLoop(reg, em, br, st, wh, "q1", "tag-1", capturedEpoch, 12)
	msg := &fakeMessage{body: []byte(`{"x":1}`)}

	terminated := lp.handle(context.Background(), msg)
	if !terminated {
		t.Fatal("a stale epoch must terminate this loop instance")
	}
	if msg.acked || msg.nacked {
		t.Fatal("a stale-epoch delivery must not be acked or nacked")
	}
	if len(wh.calls) != 0 || len(br.cancelTag) != 0 {
		t.Fatal("a stale-epoch delivery must not touch the webhook or the broker")
	}
}

// S5 variant: the epoch goes stale during the sleep (simulated via Sleep
// bumping the epoch), which must be caught by the post-sleep gate before
// the pause/hours/webhook steps run.
func TestLoop_StaleEpochDuringSleep_SkipsRemainingSteps(t *testing.T) {
	reg := registry.New()
	reg.Insert(domain.NewRuntimeConsumer(testSpec("q1", 1000, 1000, 0, 24), "tag-1", 1))
	em := epoch.NewManager()
	em.Bump()
	capturedEpoch := em.Current()
	br := &fakeBroker{}
	st := &fakeStore{}
	wh := &fakeWebhook{outcome: webhook.Delivered, status: 200}

	lp := New(Config{
		Queue:            "q1",
		Tag:              "tag-1",
		Epoch:            capturedEpoch,
		EpochMgr:         em,
		Registry:         reg,
		Broker:           br,
		Store:            st,
		Webhook:          wh,
		FinishWebhookURL: "http://example.test/finish",
		Location:         time.UTC,
		Logger:           zap.NewNop(),
		Rand:             func() float64 { return 0 },
		Sleep:            func(time.Duration) { em.Bump() },
		Clock:            func() time.Time { return time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC) },
	})
	msg := &fakeMessage{body: []byte(`{"x":1}`)}

	terminated := lp.handle(context.Background(), msg)
	if !terminated {
		t.Fatal("expected termination once the epoch goes stale mid-sleep")
	}
	if len(wh.calls) != 0 {
		t.Fatal("the webhook must not be called once the epoch has gone stale")
	}
}
