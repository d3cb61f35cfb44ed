package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	kgo "github.com/segmentio/kafka-go"

	"github.com/openfroyo/ec2-manager/pkg/engine"
)

// fakeReader serves queued messages and cancels the run once drained.
type fakeReader struct {
	mu        sync.Mutex
	messages  []kgo.Message
	committed []int64
	cancel    context.CancelFunc
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kgo.Message, error) {
	f.mu.Lock()
	if len(f.messages) == 0 {
		f.mu.Unlock()
		f.cancel()
		<-ctx.Done()
		return kgo.Message{}, ctx.Err()
	}
	msg := f.messages[0]
	f.messages = f.messages[1:]
	f.mu.Unlock()
	return msg, nil
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kgo.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error { return nil }

type fakeWriter struct {
	mu      sync.Mutex
	written []kgo.Message
	err     error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kgo.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.written = append(f.written, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func messages(values ...string) []kgo.Message {
	out := make([]kgo.Message, 0, len(values))
	for i, v := range values {
		out = append(out, kgo.Message{Topic: "ec2-events", Offset: int64(i), Value: []byte(v)})
	}
	return out
}

func handlerFor(t *testing.T) Handler {
	t.Helper()
	return func(_ context.Context, payload []byte) error {
		if string(payload) == "garbage" {
			return engine.NewMalformedEventError("bad payload", nil)
		}
		return nil
	}
}

func TestRunCommitsHandledAndDeadLettersMalformed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &fakeReader{messages: messages("ok", "garbage", "ok"), cancel: cancel}
	dlq := &fakeWriter{}

	c, err := NewConsumer(ConsumerConfig{
		Reader:     reader,
		DeadLetter: dlq,
		Handler:    handlerFor(t),
		Logger:     testLogger(),
	})
	if err != nil {
		t.Fatalf("NewConsumer() error = %v", err)
	}

	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(reader.committed) != 3 {
		t.Errorf("committed = %v, want all three offsets", reader.committed)
	}
	if len(dlq.written) != 1 || string(dlq.written[0].Value) != "garbage" {
		t.Fatalf("dead-lettered = %+v, want the malformed message", dlq.written)
	}

	found := false
	for _, h := range dlq.written[0].Headers {
		if h.Key == "x-source-topic" && string(h.Value) == "ec2-events" {
			found = true
		}
	}
	if !found {
		t.Error("dead-letter message is missing its source topic header")
	}
}

func TestMalformedWithoutDeadLetterStopsUncommitted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &fakeReader{messages: messages("garbage", "ok"), cancel: cancel}
	c, err := NewConsumer(ConsumerConfig{Reader: reader, Handler: handlerFor(t), Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewConsumer() error = %v", err)
	}

	err = c.Run(ctx)
	if !engine.IsMalformedEvent(err) {
		t.Fatalf("Run() error = %v, want malformed event", err)
	}
	if len(reader.committed) != 0 {
		t.Errorf("committed = %v, want nothing", reader.committed)
	}
}

func TestDeadLetterFailureStopsUncommitted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &fakeReader{messages: messages("garbage"), cancel: cancel}
	c, err := NewConsumer(ConsumerConfig{
		Reader:     reader,
		DeadLetter: &fakeWriter{err: errors.New("broker unavailable")},
		Handler:    handlerFor(t),
		Logger:     testLogger(),
	})
	if err != nil {
		t.Fatalf("NewConsumer() error = %v", err)
	}

	if err := c.Run(ctx); err == nil {
		t.Fatal("Run() error = nil, want dead-letter failure")
	}
	if len(reader.committed) != 0 {
		t.Errorf("committed = %v, want nothing", reader.committed)
	}
}

func TestOperationalFailureRetriesSameMessage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &fakeReader{messages: messages("first", "second"), cancel: cancel}

	var mu sync.Mutex
	var seen []string
	failures := 2
	handler := func(_ context.Context, payload []byte) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, string(payload))
		if string(payload) == "first" && failures > 0 {
			failures--
			return errors.New("database is locked")
		}
		return nil
	}

	c, err := NewConsumer(ConsumerConfig{
		Reader:        reader,
		Handler:       handler,
		RetryInterval: time.Millisecond,
		Logger:        testLogger(),
	})
	if err != nil {
		t.Fatalf("NewConsumer() error = %v", err)
	}

	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []string{"first", "first", "first", "second"}
	if len(seen) != len(want) {
		t.Fatalf("handled = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("handled[%d] = %s, want %s", i, seen[i], want[i])
		}
	}
	if len(reader.committed) != 2 || reader.committed[0] != 0 || reader.committed[1] != 1 {
		t.Errorf("committed = %v, want [0 1]", reader.committed)
	}
}
