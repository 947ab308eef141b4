package messaging

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kasalabs/kasa-hub/internal/events"
	"github.com/kasalabs/kasa-hub/internal/logging"
)

// NATSService handles NATS messaging for the Kasa system
type NATSService struct {
	conn *nats.Conn
	url  string
}

// NATS subjects for different event types
const (
	// SubjectTranscriptions is the prefix for per-language transcription
	// fan-out: kasa.transcriptions.<language>
	SubjectTranscriptions = "kasa.transcriptions"
	SubjectSystemEvents   = "kasa.system.events"
)

// NewNATSService creates a new NATS service instance
func NewNATSService() (*NATSService, error) {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}

	return &NATSService{
		url: natsURL,
	}, nil
}

// NewNATSServiceWithURL creates a NATS service against an explicit server URL
func NewNATSServiceWithURL(url string) *NATSService {
	return &NATSService{url: url}
}

// Connect establishes connection to NATS server
func (ns *NATSService) Connect() error {
	logging.LogNATSEvent(ns.url, "connecting")

	// Connection options with retry logic
	opts := []nats.Option{
		nats.Name("kasa-hub"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1), // Retry indefinitely
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.LogWarn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.LogNATSEvent(nc.ConnectedUrl(), "reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.LogNATSEvent(ns.url, "closed")
		}),
	}

	conn, err := nats.Connect(ns.url, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	ns.conn = conn
	logging.LogNATSEvent(conn.ConnectedUrl(), "connected")
	return nil
}

// transcriptionSubject builds the per-language fan-out subject.
func transcriptionSubject(language string) string {
	if language == "" {
		language = "en"
	}
	return fmt.Sprintf("%s.%s", SubjectTranscriptions, language)
}

// PublishTranscription publishes a processed transcription event to the
// per-language subject. Delivery is fire-and-forget: consumers are optional
// and the caller's pipeline must not stall on them.
func (ns *NATSService) PublishTranscription(event *events.TranscriptionEvent) error {
	if ns.conn == nil {
		return fmt.Errorf("NATS connection not established")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal transcription event: %w", err)
	}

	subject := transcriptionSubject(event.DetectedLanguage)
	if err := ns.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	logging.LogNATSEvent(subject, "published",
		zap.String("uuid", event.UUID),
		zap.String("category", event.IntentCategory),
	)
	return nil
}

// SubscribeToTranscriptions subscribes to transcription events for one
// language, or for all languages when language is "*".
func (ns *NATSService) SubscribeToTranscriptions(language string, handler func(*events.TranscriptionEvent)) (*nats.Subscription, error) {
	if ns.conn == nil {
		return nil, fmt.Errorf("NATS connection not established")
	}

	subject := transcriptionSubject(language)
	if language == "*" {
		subject = SubjectTranscriptions + ".*"
	}

	return ns.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event events.TranscriptionEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			logging.LogError(err, "Error unmarshaling transcription event",
				zap.String("subject", msg.Subject))
			return
		}

		logging.LogNATSEvent(msg.Subject, "received", zap.String("uuid", event.UUID))
		handler(&event)
	})
}

// PublishSystemEvent publishes a freeform system status payload
func (ns *NATSService) PublishSystemEvent(payload map[string]interface{}) error {
	if ns.conn == nil {
		return fmt.Errorf("NATS connection not established")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal system event: %w", err)
	}

	if err := ns.conn.Publish(SubjectSystemEvents, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", SubjectSystemEvents, err)
	}

	return nil
}

// Close closes the NATS connection
func (ns *NATSService) Close() {
	if ns.conn != nil {
		ns.conn.Close()
		logging.LogNATSEvent(ns.url, "closed")
	}
}

// IsConnected returns true if connected to NATS
func (ns *NATSService) IsConnected() bool {
	return ns.conn != nil && ns.conn.IsConnected()
}

// GetStats returns connection statistics
func (ns *NATSService) GetStats() nats.Statistics {
	if ns.conn != nil {
		return ns.conn.Stats()
	}
	return nats.Statistics{}
}
