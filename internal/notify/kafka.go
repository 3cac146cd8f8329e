package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/MOPROGRAM/sahaplatform-sub001/pkg/logger"
	"github.com/MOPROGRAM/sahaplatform-sub001/pkg/metrics"
)

// MessageWriter is the subset of *kafka.Writer the notifier needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaOptions configures a Kafka notifier.
type KafkaOptions struct {
	QueueSize    int
	WriteTimeout time.Duration
	MaxFailures  uint32
	OpenTimeout  time.Duration
}

// Kafka publishes notifications to a topic from a single background worker.
// Notify only enqueues; a full queue or an open breaker drops the notification.
type Kafka struct {
	writer  MessageWriter
	cb      *gobreaker.CircuitBreaker
	queue   chan Notification
	timeout time.Duration
	logger  *logger.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}
}

// NewKafkaWriter builds the production writer for brokers and topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
}

// NewKafka starts a notifier publishing through writer.
func NewKafka(writer MessageWriter, opts KafkaOptions, log *logger.Logger) *Kafka {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.MaxFailures == 0 {
		opts.MaxFailures = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	log = log.Named("notify")

	k := &Kafka{
		writer:  writer,
		queue:   make(chan Notification, opts.QueueSize),
		timeout: opts.WriteTimeout,
		logger:  log,
		stop:    make(chan struct{}),
	}
	k.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "notifications",
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("circuit breaker state",
				zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	k.wg.Add(1)
	go k.run()
	return k
}

// Notify enqueues n for delivery.
func (k *Kafka) Notify(_ context.Context, n Notification) {
	select {
	case <-k.stop:
		metrics.NotificationsDropped.WithLabelValues("closed").Inc()
		return
	default:
	}
	select {
	case k.queue <- n:
	default:
		metrics.NotificationsDropped.WithLabelValues("queue_full").Inc()
		k.logger.Warn("notification queue full", zap.String("recipient_id", n.RecipientID))
	}
}

func (k *Kafka) run() {
	defer k.wg.Done()
	for {
		select {
		case n := <-k.queue:
			k.deliver(n)
		case <-k.stop:
			for {
				select {
				case n := <-k.queue:
					k.deliver(n)
				default:
					return
				}
			}
		}
	}
}

func (k *Kafka) deliver(n Notification) {
	value, err := json.Marshal(n)
	if err != nil {
		metrics.NotificationsDropped.WithLabelValues("encode").Inc()
		return
	}

	_, err = k.cb.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
		defer cancel()
		return nil, k.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(n.RecipientID),
			Value: value,
			Time:  n.CreatedAt,
		})
	})
	switch {
	case err == nil:
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.NotificationsDropped.WithLabelValues("circuit_open").Inc()
	default:
		metrics.NotificationsDropped.WithLabelValues("write_failed").Inc()
		k.logger.Warn("notification write failed", zap.String("kind", string(n.Kind)), zap.Error(err))
	}
}

// Close drains queued notifications and closes the writer.
func (k *Kafka) Close() error {
	k.stopOnce.Do(func() { close(k.stop) })
	k.wg.Wait()
	return k.writer.Close()
}
