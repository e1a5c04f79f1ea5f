// Package client holds outbound integrations. The only one the engine needs
// is the notification publisher; everything else talks to this service, not
// from it.
package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/edusuite/be-approvals/internal/repository"
)

// NotificationPublisher publishes approval workflow events to NATS for the
// platform notification service to fan out.
//
// Subject convention: notifications.approvals.<event_type>
// Event types: request_submitted, approval_required, request_approved,
//
//	request_rejected, request_cancelled
//
// All publish operations are non-fatal — errors are logged but never
// propagated, so notification failures never interrupt approval operations.
type NotificationPublisher struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS. Recipients are
// role identifiers for approval asks and user IDs for terminal outcomes;
// resolving roles to users is the consumer's job.
type NotificationEvent struct {
	EventType    string         `json:"event_type"`
	TenantID     string         `json:"tenant_id"`
	ActorID      string         `json:"actor_id"`
	Recipients   []string       `json:"recipients"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	RequestType  string         `json:"request_type,omitempty"`
	State        string         `json:"state,omitempty"`
	Severity     string         `json:"severity,omitempty"`
	Category     string         `json:"category,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher connects to NATS and returns a publisher.
func NewNotificationPublisher(url, serviceName string, log zerolog.Logger) (*NotificationPublisher, error) {
	conn, err := nats.Connect(url, nats.Name(serviceName))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NotificationPublisher{conn: conn, log: log}, nil
}

// Close drains and releases the NATS connection.
func (p *NotificationPublisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}

// PublishApprovalEvent publishes one approval event.
// Subject: notifications.approvals.<eventType>
func (p *NotificationPublisher) PublishApprovalEvent(
	ctx context.Context,
	eventType string,
	req *repository.ApprovalRequest,
	actorID string,
	recipients []string,
	payload map[string]any,
) {
	if p.conn == nil || len(recipients) == 0 {
		return
	}

	event := &NotificationEvent{
		EventType:    eventType,
		TenantID:     req.TenantID,
		ActorID:      actorID,
		Recipients:   recipients,
		ResourceType: "approval_request",
		ResourceID:   req.ID,
		RequestType:  req.RequestType,
		State:        string(req.State),
		Severity:     "info",
		Category:     "approvals",
		Payload:      payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.approvals.%s", eventType)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("request_id", req.ID).
			Msg("notification: failed to publish event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("request_id", req.ID).
		Int("recipients", len(recipients)).
		Msg("notification: event published")
}
