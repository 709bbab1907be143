package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/ridesync/internal/ride/domain"
)

// Headers attached to every ride event message.
const (
	HeaderTraceID   = "x-trace-id"
	HeaderEventType = "x-event-type"
	HeaderRideID    = "x-ride-id"
	HeaderOrigin    = "x-origin"
	HeaderRoom      = "x-room"
)

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	PublishMsg(msg *nats.Msg) error
}

// Publisher writes ride events to a NATS subject.
type Publisher struct {
	conn    Conn
	subject string
}

// NewPublisher builds a Publisher using the provided NATS connection.
func NewPublisher(conn Conn, subject string) *Publisher {
	return &Publisher{conn: conn, subject: subject}
}

func (p *Publisher) Subject() string { return p.subject }

// Publish satisfies domain.EventPublisher.
func (p *Publisher) Publish(ctx context.Context, event domain.RideEvent) error {
	return p.PublishWith(ctx, event, nil)
}

// PublishWith publishes event with extra headers merged over the standard ones.
func (p *Publisher) PublishWith(ctx context.Context, event domain.RideEvent, extra nats.Header) error {
	if p == nil || p.conn == nil {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	header := nats.Header{}
	header.Set(HeaderEventType, string(event.Type))
	header.Set(HeaderRideID, event.RideID.String())
	for k, v := range extra {
		header[k] = v
	}
	return p.PublishRaw(ctx, p.subject, payload, header)
}

// PublishRaw sends an already encoded payload, stamping the trace id of ctx.
func (p *Publisher) PublishRaw(ctx context.Context, subject string, payload []byte, header nats.Header) error {
	if p == nil || p.conn == nil {
		return nil
	}
	if header == nil {
		header = nats.Header{}
	}
	if id := traceIDFromContext(ctx); id != "" {
		header.Set(HeaderTraceID, id)
	}
	if err := p.conn.PublishMsg(&nats.Msg{Subject: subject, Data: payload, Header: header}); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func traceIDFromContext(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span == nil {
		return ""
	}
	sc := span.SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
