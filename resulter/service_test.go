package resulter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/freundallein/erpexport/chassis/logging"
	"github.com/freundallein/erpexport/chassis/monkey"
	"github.com/freundallein/erpexport/chassis/queue"
)

type failingQueue struct{}

func (failingQueue) SendMessage(ctx context.Context, message string) error {
	return errors.New("sqs unavailable")
}

func TestPublishSendsMessage(t *testing.T) {
	q := &queue.MemoryQueue{}
	p := New(q, nil, logging.Discard())
	created := time.Date(2025, 11, 14, 7, 0, 0, 0, time.UTC)
	err := p.Publish(context.Background(), &Message{
		RunID:      "7d3c",
		Job:        "inventory_query",
		ModuleName: "库存查询",
		FilePrefix: "库存查询",
		Path:       "storage/downloads/库存查询_20251114_070000.xlsx",
		Size:       2048,
		CreatedAt:  created,
	})
	if err != nil {
		t.Fatal(err)
	}
	sent := q.Messages()
	if len(sent) != 1 {
		t.Fatalf("expected one message, got %d", len(sent))
	}
	var msg Message
	if err := msg.FromJSON(sent[0]); err != nil {
		t.Fatal(err)
	}
	if msg.Event != EventFileDownloaded || msg.Path != "storage/downloads/库存查询_20251114_070000.xlsx" || !msg.CreatedAt.Equal(created) {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestPublishWithoutQueueIsNoop(t *testing.T) {
	p := New(nil, nil, logging.Discard())
	if err := p.Publish(context.Background(), &Message{RunID: "x"}); err != nil {
		t.Fatal(err)
	}
	var nilPublisher *Publisher
	if err := nilPublisher.Publish(context.Background(), &Message{}); err != nil {
		t.Fatal(err)
	}
}

func TestPublishReportsFailures(t *testing.T) {
	p := New(failingQueue{}, nil, logging.Discard())
	if err := p.Publish(context.Background(), &Message{RunID: "x"}); err == nil {
		t.Fatal("expected send failure")
	}
	chaotic := New(&queue.MemoryQueue{}, monkey.New(1, 1), logging.Discard())
	if err := chaotic.Publish(context.Background(), &Message{RunID: "x"}); !errors.Is(err, monkey.ErrMonkey) {
		t.Fatalf("expected injected error, got %v", err)
	}
}
