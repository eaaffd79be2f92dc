package nats

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/costgate/internal/logger"
	"github.com/Strob0t/costgate/internal/port/messagequeue"
)

// testConnect connects to NATS or skips the test if NATS_URL is not set.
func testConnect(t *testing.T) *Queue {
	t.Helper()

	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}

	q, err := Connect(context.Background(), url)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		if err := q.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return q
}

// uniqueSubject returns a subject captured by the stream (quota.>) that the
// validator does not check.
func uniqueSubject(t *testing.T) string {
	t.Helper()
	return "quota.test." + t.Name()
}

func TestQueue_PublishSubscribe(t *testing.T) {
	q := testConnect(t)
	subject := uniqueSubject(t)

	type payload struct {
		Msg string `json:"msg"`
	}
	want := payload{Msg: "hello-nats"}
	data, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var (
		mu       sync.Mutex
		received *payload
		done     = make(chan struct{})
		once     sync.Once
	)

	stop, err := q.Subscribe(context.Background(), subject, func(_ context.Context, _ string, d []byte) error {
		var got payload
		if err := json.Unmarshal(d, &got); err != nil {
			return err
		}
		mu.Lock()
		received = &got
		mu.Unlock()
		once.Do(func() { close(done) })
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	if err := q.Publish(context.Background(), subject, data); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	mu.Lock()
	defer mu.Unlock()
	if received == nil || received.Msg != want.Msg {
		t.Errorf("got %+v, want %q", received, want.Msg)
	}
}

func TestQueue_SubscribeFansOut(t *testing.T) {
	q := testConnect(t)
	subject := uniqueSubject(t)

	var wg sync.WaitGroup
	wg.Add(2)
	for range 2 {
		var once sync.Once
		stop, err := q.Subscribe(context.Background(), subject, func(context.Context, string, []byte) error {
			once.Do(wg.Done)
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		defer stop()
	}

	if err := q.Publish(context.Background(), subject, []byte(`{}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("both subscribers should receive the message")
	}
}

func TestQueue_RequestIDPropagation(t *testing.T) {
	q := testConnect(t)
	subject := uniqueSubject(t)

	const wantReqID = "req-abc-123"

	var (
		mu       sync.Mutex
		gotReqID string
		done     = make(chan struct{})
		once     sync.Once
	)

	stop, err := q.Subscribe(context.Background(), subject, func(ctx context.Context, _ string, _ []byte) error {
		mu.Lock()
		gotReqID = logger.RequestID(ctx)
		mu.Unlock()
		once.Do(func() { close(done) })
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	ctx := logger.WithRequestID(context.Background(), wantReqID)
	if err := q.Publish(ctx, subject, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotReqID != wantReqID {
		t.Errorf("request ID = %q, want %q", gotReqID, wantReqID)
	}
}

func TestQueue_DLQ(t *testing.T) {
	q := testConnect(t)
	ctx := context.Background()

	// usage.recorded payloads are schema-checked; an invalid one goes
	// straight to the dead-letter subject.
	subject := messagequeue.SubjectUsageRecorded
	dlqSubject := subject + dlqSuffix

	mainStop, err := q.Subscribe(ctx, subject, func(context.Context, string, []byte) error {
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe main: %v", err)
	}
	defer mainStop()

	dlqData := consumeOne(t, q, dlqSubject)

	if err := q.Publish(ctx, subject, []byte("not-json")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-dlqData:
		if string(got) != "not-json" {
			t.Errorf("DLQ data = %q, want %q", got, "not-json")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for DLQ message")
	}
}

func TestQueue_DLQ_RetryExhaustion(t *testing.T) {
	q := testConnect(t)
	ctx := context.Background()
	subject := uniqueSubject(t)

	dlqData := consumeOne(t, q, subject+dlqSuffix)

	mainStop, err := q.Subscribe(ctx, subject, func(context.Context, string, []byte) error {
		return errAlwaysFail
	})
	if err != nil {
		t.Fatalf("Subscribe main: %v", err)
	}
	defer mainStop()

	// A message that already carries maxRetries goes to the DLQ on its
	// first failure.
	msg := &nats.Msg{Subject: subject, Data: []byte(`{"exhausted":true}`), Header: nats.Header{}}
	msg.Header.Set(headerRetryCount, "3")
	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		t.Fatalf("PublishMsg: %v", err)
	}

	select {
	case got := <-dlqData:
		if string(got) != `{"exhausted":true}` {
			t.Errorf("DLQ data = %q", got)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for DLQ message after retry exhaustion")
	}
}

func TestQueue_KeyValue(t *testing.T) {
	q := testConnect(t)
	ctx := context.Background()

	kv, err := q.KeyValue(ctx, "test-kv-"+t.Name(), 30*time.Second)
	if err != nil {
		t.Fatalf("KeyValue: %v", err)
	}
	if _, err := kv.Put(ctx, "greeting", []byte("hello")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	entry, err := kv.Get(ctx, "greeting")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(entry.Value()) != "hello" {
		t.Errorf("value = %q, want %q", entry.Value(), "hello")
	}
	if err := kv.Delete(ctx, "greeting"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := kv.Get(ctx, "greeting"); err == nil {
		t.Error("expected error after delete, got nil")
	}
}

func TestQueue_IsConnected(t *testing.T) {
	q := testConnect(t)
	if !q.IsConnected() {
		t.Error("IsConnected() = false after Connect, want true")
	}
}

func TestRetryCount(t *testing.T) {
	h := nats.Header{}
	if got := retryCount(h); got != 0 {
		t.Fatalf("empty header = %d", got)
	}
	h.Set(headerRetryCount, "2")
	if got := retryCount(h); got != 2 {
		t.Fatalf("retry count = %d", got)
	}
	h.Set(headerRetryCount, "junk")
	if got := retryCount(h); got != 0 {
		t.Fatalf("junk header = %d", got)
	}
}

// consumeOne reads the first new message on subject through a raw consumer so
// it bypasses Queue's validation.
func consumeOne(t *testing.T, q *Queue, subject string) <-chan []byte {
	t.Helper()
	consumer, err := q.js.CreateOrUpdateConsumer(context.Background(), streamName, jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		t.Fatalf("create consumer: %v", err)
	}
	out := make(chan []byte, 1)
	var once sync.Once
	sub, err := consumer.Consume(func(msg jetstream.Msg) {
		once.Do(func() { out <- msg.Data() })
		_ = msg.Ack()
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	t.Cleanup(sub.Stop)
	return out
}

// errAlwaysFail is a sentinel error used by handlers that should always fail.
var errAlwaysFail = errSentinel("handler always fails")

type errSentinel string

func (e errSentinel) Error() string { return string(e) }
