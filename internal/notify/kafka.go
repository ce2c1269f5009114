package notify

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/Hezlepinc/lead-ingestor/internal/model"
	kgo "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Event is the message published for each detection or won claim.
type Event struct {
	Type          string          `json:"type"`
	Region        string          `json:"region"`
	OpportunityID string          `json:"opportunity_id"`
	Via           model.Via       `json:"via,omitempty"`
	Status        string          `json:"status,omitempty"`
	HTTPStatus    int             `json:"http_status,omitempty"`
	LatencyMs     int64           `json:"latency_ms,omitempty"`
	RawPayload    json.RawMessage `json:"raw_payload,omitempty"`
	At            time.Time       `json:"at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// Publisher writes events to a kafka topic, keyed by region:opportunityId.
type Publisher struct {
	writer  messageWriter
	timeout time.Duration
	log     *zap.Logger
}

// NewPublisher creates a publisher for a comma separated broker list.
func NewPublisher(brokersCSV, topic string, log *zap.Logger) *Publisher {
	w := &kgo.Writer{
		Addr:         kgo.TCP(splitCSV(brokersCSV)...),
		Topic:        topic,
		Balancer:     &kgo.Hash{},
		RequiredAcks: kgo.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &Publisher{writer: w, timeout: 3 * time.Second, log: log}
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error { return p.writer.Close() }

// Detected implements Sink.
func (p *Publisher) Detected(ctx context.Context, d model.Detection) {
	p.publish(ctx, Event{
		Type:          "detected",
		Region:        d.Region,
		OpportunityID: d.OpportunityID,
		Via:           d.Via,
		Status:        d.Status,
		RawPayload:    d.RawPayload,
		At:            d.SeenAt,
	})
}

// Claimed implements Sink.
func (p *Publisher) Claimed(ctx context.Context, o model.ClaimOutcome) {
	p.publish(ctx, Event{
		Type:          "claimed",
		Region:        o.Region,
		OpportunityID: o.OpportunityID,
		HTTPStatus:    o.Status,
		LatencyMs:     o.Latency.Milliseconds(),
		At:            o.At,
	})
}

func (p *Publisher) publish(ctx context.Context, ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("encode event", zap.Error(err))
		return
	}
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err = p.writer.WriteMessages(cctx, kgo.Message{
		Key:   []byte(model.LockKey(ev.Region, ev.OpportunityID)),
		Value: b,
		Time:  time.Now(),
	})
	if err != nil {
		p.log.Warn("publish event failed",
			zap.String("type", ev.Type),
			zap.String("region", ev.Region),
			zap.String("opportunity_id", ev.OpportunityID),
			zap.Error(err),
		)
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
