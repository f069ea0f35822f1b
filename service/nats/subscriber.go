package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Subscriber delivers drip events as they are published.
type Subscriber interface {
	// Subscribe streams new events until ctx is done. An empty status
	// subscribes to every outcome. The channel is closed when the
	// subscription ends.
	Subscribe(ctx context.Context, status string) (<-chan *DripEvent, error)

	// Close closes the connection to NATS.
	Close() error
}

// JetStreamSubscriber reads drip events from the DRIPS stream with one
// ephemeral consumer per subscription.
type JetStreamSubscriber struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewSubscriber connects to NATS for reading drip events.
func NewSubscriber(natsURL string, logger *slog.Logger) (*JetStreamSubscriber, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("dripper-subscriber"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	logger.Info("NATS subscriber initialized", "url", natsURL)

	return &JetStreamSubscriber{
		nc:     nc,
		js:     js,
		logger: logger,
	}, nil
}

// SubjectFor returns the subject filter for a status, or every drip subject
// when status is empty.
func SubjectFor(status string) string {
	if status == "" {
		return StreamSubjects
	}
	return fmt.Sprintf("drips.%s", status)
}

// Subscribe creates an ephemeral consumer delivering only events published
// after the call.
func (s *JetStreamSubscriber) Subscribe(ctx context.Context, status string) (<-chan *DripEvent, error) {
	subject := SubjectFor(status)

	cons, err := s.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	events := make(chan *DripEvent, 10)
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		var event DripEvent
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			s.logger.WarnContext(ctx, "failed to unmarshal drip event",
				"subject", msg.Subject(),
				"error", err,
			)
			msg.Ack()
			return
		}
		select {
		case events <- &event:
		case <-ctx.Done():
		}
		msg.Ack()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	go func() {
		<-ctx.Done()
		cc.Stop()
		<-cc.Closed()
		close(events)
	}()

	s.logger.DebugContext(ctx, "subscribed to drip events", "subject", subject)
	return events, nil
}

// Close closes the connection to NATS.
func (s *JetStreamSubscriber) Close() error {
	if s.nc != nil {
		s.nc.Close()
		s.logger.Info("NATS subscriber closed")
	}
	return nil
}
