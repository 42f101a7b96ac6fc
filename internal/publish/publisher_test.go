package publish

import (
	"context"
	"errors"
	"io"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

type fakeChannel struct {
	declared   string
	published  []amqp.Publishing
	keys       []string
	publishErr error
	declareErr error
	closed     bool
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if c.publishErr != nil {
		return c.publishErr
	}
	c.keys = append(c.keys, exchange+"/"+key)
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	c.declared = name + ":" + kind
	return c.declareErr
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestPublish(t *testing.T) {
	ch := &fakeChannel{}
	p, err := NewPublisher(ch, "fleet.reports", "summary", quietLogger())
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	if ch.declared != "fleet.reports:topic" {
		t.Fatalf("unexpected exchange declaration %q", ch.declared)
	}

	if err := p.Publish(context.Background(), []byte("[]"), "application/json"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(ch.published) != 1 || ch.keys[0] != "fleet.reports/summary" {
		t.Fatalf("unexpected publish: %v", ch.keys)
	}
	msg := ch.published[0]
	if string(msg.Body) != "[]" || msg.ContentType != "application/json" || msg.DeliveryMode != amqp.Persistent {
		t.Fatalf("unexpected message: %+v", msg)
	}

	if err := p.Close(); err != nil || !ch.closed {
		t.Fatalf("close: %v", err)
	}
}

func TestPublishErrors(t *testing.T) {
	boom := errors.New("channel closed")
	ch := &fakeChannel{declareErr: boom}
	if _, err := NewPublisher(ch, "x", "y", quietLogger()); !errors.Is(err, boom) {
		t.Fatalf("expected declare error, got %v", err)
	}

	ch = &fakeChannel{publishErr: boom}
	p, err := NewPublisher(ch, "x", "y", quietLogger())
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	if err := p.Publish(context.Background(), nil, "text/csv"); !errors.Is(err, boom) {
		t.Fatalf("expected publish error, got %v", err)
	}
}
