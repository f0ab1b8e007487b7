package model

import (
	"encoding/json"
	"fmt"
)

// Event keys emitted by the platform and deliverable to webhook subscriptions.
const (
	EventStreamStarted    = "stream.started"
	EventStreamIdle       = "stream.idle"
	EventRecordingStarted = "recording.started"
	EventRecordingReady   = "recording.ready"
	EventAssetCreated     = "asset.created"
	EventAssetReady       = "asset.ready"
	EventAssetFailed      = "asset.failed"
	EventAssetDeleted     = "asset.deleted"
)

// Subscription is a tenant-registered webhook endpoint. Created and updated by
// the CRUD API; read-only to the delivery engine.
type Subscription struct {
	ID           string   `json:"id"`
	Name         string   `json:"name,omitempty"`
	URL          string   `json:"url"`
	Events       []string `json:"events"`
	SharedSecret string   `json:"sharedSecret,omitempty"`
	UserID       string   `json:"userId"`
	ProjectID    string   `json:"projectId,omitempty"`
	StreamID     string   `json:"streamId,omitempty"`
	Disabled     bool     `json:"disabled,omitempty"`
	Deleted      bool     `json:"deleted,omitempty"`
	CreatedAt    int64    `json:"createdAt"`

	Status *SubscriptionStatus `json:"status,omitempty"`
}

// SubscriptionStatus carries the last observed delivery outcome for a
// subscription. Informational only; never read by the matcher.
type SubscriptionStatus struct {
	LastTriggeredAt int64  `json:"lastTriggeredAt,omitempty"`
	LastFailure     string `json:"lastFailure,omitempty"`
	LastFailureAt   int64  `json:"lastFailureAt,omitempty"`
}

// SubscribesTo reports whether event is in the subscription's event set.
func (s Subscription) SubscribesTo(event string) bool {
	for _, e := range s.Events {
		if e == event {
			return true
		}
	}
	return false
}

// EventMessage is an immutable fact about something that happened, plus the
// retry metadata that travels with it once a delivery has failed. A fresh
// message has zero Retries and zero LastInterval.
type EventMessage struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	CreatedAt int64           `json:"createdAt"`
	UserID    string          `json:"userId"`
	ProjectID string          `json:"projectId,omitempty"`
	StreamID  string          `json:"streamId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	// Retry metadata, attached only when the message is re-queued after a
	// failed delivery attempt.
	Retries      int    `json:"retries,omitempty"`
	LastInterval int64  `json:"lastInterval,omitempty"` // ms
	Status       string `json:"status,omitempty"`
}

// Typed payload variants, one per event key. Payloads arrive as raw JSON on
// the wire and are decoded on demand; unknown event keys keep the raw bytes.

type StreamStartedPayload struct {
	PlaybackID string `json:"playbackId,omitempty"`
}

type StreamIdlePayload struct {
	PlaybackID string `json:"playbackId,omitempty"`
	IdleSince  int64  `json:"idleSince,omitempty"`
}

type RecordingStartedPayload struct {
	SessionID string `json:"sessionId"`
}

type RecordingReadyPayload struct {
	SessionID    string `json:"sessionId"`
	RecordingURL string `json:"recordingUrl,omitempty"`
	MP4URL       string `json:"mp4Url,omitempty"`
	DurationSec  int64  `json:"durationSec,omitempty"`
}

type AssetPayload struct {
	AssetID      string `json:"assetId"`
	SnapshotURL  string `json:"snapshotUrl,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// DecodePayload decodes the message payload into its typed variant keyed by
// the event. Unknown keys return the raw JSON untouched.
func (m *EventMessage) DecodePayload() (any, error) {
	if len(m.Payload) == 0 {
		return nil, nil
	}
	var out any
	switch m.Event {
	case EventStreamStarted:
		out = &StreamStartedPayload{}
	case EventStreamIdle:
		out = &StreamIdlePayload{}
	case EventRecordingStarted:
		out = &RecordingStartedPayload{}
	case EventRecordingReady:
		out = &RecordingReadyPayload{}
	case EventAssetCreated, EventAssetReady, EventAssetFailed, EventAssetDeleted:
		out = &AssetPayload{}
	default:
		return m.Payload, nil
	}
	if err := json.Unmarshal(m.Payload, out); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", m.Event, err)
	}
	return out, nil
}

// DeliveryRecord is the append-only audit row for one delivery attempt to one
// subscription. StatusCode 0 means the attempt died at the transport layer.
// The triggering event is snapshotted so the attempt can be replayed later.
type DeliveryRecord struct {
	ID             string        `json:"id"`
	SubscriptionID string        `json:"webhookId"`
	EventID        string        `json:"eventId"`
	UserID         string        `json:"userId"`
	StatusCode     int           `json:"statusCode"`
	Response       string        `json:"response,omitempty"`
	Error          string        `json:"error,omitempty"`
	DurationMS     int64         `json:"durationMs"`
	CreatedAt      int64         `json:"createdAt"`
	Event          *EventMessage `json:"event,omitempty"`
}

// Stream is the resource snapshot injected into webhook payloads.
type Stream struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	UserID        string `json:"userId"`
	ProjectID     string `json:"projectId,omitempty"`
	PlaybackID    string `json:"playbackId,omitempty"`
	StreamKey     string `json:"streamKey,omitempty"`
	IsActive      bool   `json:"isActive,omitempty"`
	Record        bool   `json:"record,omitempty"`
	LastSessionID string `json:"lastSessionId,omitempty"`
	CreatedAt     int64  `json:"createdAt"`
}

// Sanitized strips secret fields before the stream leaves the platform.
func (s Stream) Sanitized() Stream {
	s.StreamKey = ""
	return s
}

// Session is one broadcast of a stream. A recording.ready event references
// the session it was captured from.
type Session struct {
	ID        string `json:"id"`
	StreamID  string `json:"streamId"`
	UserID    string `json:"userId"`
	CreatedAt int64  `json:"createdAt"`
	LastSeen  int64  `json:"lastSeen,omitempty"`
}

// User owns subscriptions and streams. Admin users may point webhooks at
// same-host endpoints, bypassing URL verification.
type User struct {
	ID               string `json:"id"`
	Email            string `json:"email"`
	Admin            bool   `json:"admin,omitempty"`
	DefaultProjectID string `json:"defaultProjectId,omitempty"`
	CreatedAt        int64  `json:"createdAt"`
}
