package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aaronwang/auction-core/internal/models"
	"github.com/nats-io/nats.go"
)

// Subjects the push gateway listens on
const (
	SubjectSchedule  = "notifications.schedule"
	SubjectCancel    = "notifications.cancel"
	SubjectCancelAll = "notifications.cancel_all"
)

// NATSTransport hands alerts to the push-notification gateway over NATS
type NATSTransport struct {
	conn *nats.Conn
}

// NewNATSTransport creates a transport on an open connection
func NewNATSTransport(conn *nats.Conn) *NATSTransport {
	return &NATSTransport{conn: conn}
}

type cancelRequest struct {
	ID     string `json:"id,omitempty"`
	Prefix string `json:"prefix,omitempty"`
}

// Schedule publishes alert on notifications.schedule
func (t *NATSTransport) Schedule(ctx context.Context, alert Alert) error {
	return t.publish(ctx, SubjectSchedule, alert)
}

// Cancel publishes a single-id cancellation
func (t *NATSTransport) Cancel(ctx context.Context, id string) error {
	return t.publish(ctx, SubjectCancel, cancelRequest{ID: id})
}

// CancelAll publishes a prefix cancellation
func (t *NATSTransport) CancelAll(ctx context.Context, prefix string) error {
	return t.publish(ctx, SubjectCancelAll, cancelRequest{Prefix: prefix})
}

func (t *NATSTransport) publish(ctx context.Context, subject string, v interface{}) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrTransportUnavailable, err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", subject, err)
	}
	if !t.conn.IsConnected() {
		return fmt.Errorf("%w: nats connection %s", models.ErrTransportUnavailable, t.conn.Status())
	}
	if err := t.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("%w: %v", models.ErrTransportUnavailable, err)
	}
	return nil
}
