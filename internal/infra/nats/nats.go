package natsclient

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sifan077/NanoLink/config"
)

const (
	defaultConnectTimeout = 5 * time.Second
	clientName            = "nanolink"
	maxPendingPublishes   = 256
)

// Connect opens a NATS connection and its JetStream context.
func Connect(cfg config.NATSConfig) (*nats.Conn, nats.JetStreamContext, error) {
	opts := []nats.Option{
		nats.Timeout(defaultConnectTimeout),
		nats.Name(clientName),
		nats.MaxReconnects(-1),
	}

	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	conn, err := nats.Connect(URL(cfg), opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("nats: connect: %w", err)
	}

	js, err := conn.JetStream(nats.PublishAsyncMaxPending(maxPendingPublishes))
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("nats: init jetstream: %w", err)
	}

	return conn, js, nil
}

// WorkQueue describes a stream whose messages are removed once acknowledged,
// with a single durable pull consumer.
type WorkQueue struct {
	Stream   string
	Subject  string
	Consumer string
	MaxBytes int64
	AckWait  time.Duration
	MaxDeliv int
}

// EnsureWorkQueue creates the stream and its durable consumer when missing.
func EnsureWorkQueue(js nats.JetStreamContext, q WorkQueue) error {
	if _, err := js.StreamInfo(q.Stream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("nats: stream info %s: %w", q.Stream, err)
		}
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      q.Stream,
			Subjects:  []string{q.Subject},
			Retention: nats.WorkQueuePolicy,
			MaxBytes:  q.MaxBytes,
		})
		if err != nil {
			return fmt.Errorf("nats: create stream %s: %w", q.Stream, err)
		}
	}

	if _, err := js.ConsumerInfo(q.Stream, q.Consumer); err != nil {
		if !errors.Is(err, nats.ErrConsumerNotFound) {
			return fmt.Errorf("nats: consumer info %s: %w", q.Consumer, err)
		}
		_, err = js.AddConsumer(q.Stream, &nats.ConsumerConfig{
			Durable:       q.Consumer,
			AckPolicy:     nats.AckExplicitPolicy,
			AckWait:       q.AckWait,
			MaxDeliver:    q.MaxDeliv,
			FilterSubject: q.Subject,
		})
		if err != nil {
			return fmt.Errorf("nats: create consumer %s: %w", q.Consumer, err)
		}
	}
	return nil
}

// URL renders the server address from config.
func URL(cfg config.NATSConfig) string {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 4222
	}
	return fmt.Sprintf("nats://%s:%d", host, port)
}
