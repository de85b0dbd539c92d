// Package relay mirrors accepted chat messages to a kafka topic for downstream
// consumers. The chat keeps working when kafka is slow or down: messages that
// cannot be queued or written are dropped and counted.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"
	kafka "github.com/segmentio/kafka-go"

	"github.com/mqy/minichat/chat"
	"github.com/mqy/minichat/metrics"
)

//go:generate mockgen -destination=mock/mock_api.go -package=mock github.com/mqy/minichat/relay IKafkaWriter

const (
	kafkaWriteTimeout = 10 * time.Second
	writeTimeout      = 3 * time.Second

	DefaultQueueSize = 256
	DefaultMaxBytes  = 64 * 1024
)

type IKafkaWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// NewKafkaWriter creates a writer to given topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafka.Hash{},
		Dialer: &kafka.Dialer{
			Timeout:   kafkaWriteTimeout,
			DualStack: true,
		},
	})
}

// Relay queues messages and writes them from `Run`.
type Relay struct {
	sync.Mutex
	writer   IKafkaWriter
	queue    chan chat.Message
	maxBytes int
	closed   bool
	doneC    chan struct{}
}

func New(writer IKafkaWriter, queueSize, maxBytes int) *Relay {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Relay{
		writer:   writer,
		queue:    make(chan chat.Message, queueSize),
		maxBytes: maxBytes,
		doneC:    make(chan struct{}),
	}
}

// Publish queues msg without blocking, returns false when it was dropped.
func (r *Relay) Publish(msg chat.Message) bool {
	r.Lock()
	defer r.Unlock()
	if r.closed {
		return false
	}
	select {
	case r.queue <- msg:
		return true
	default:
		glog.Errorf("relay: queue full, drop message %d", msg.ID)
		metrics.RelayDropped.Inc()
		return false
	}
}

// Run writes queued messages until Close.
func (r *Relay) Run(ctx context.Context) {
	glog.Info("relay: enter")
	defer func() {
		glog.Info("relay: exit")
		close(r.doneC)
	}()

	for msg := range r.queue {
		if err := r.write(ctx, msg); err != nil {
			glog.Errorf("relay: %v", err)
			metrics.RelayDropped.Inc()
		}
	}
}

func (r *Relay) write(ctx context.Context, msg chat.Message) error {
	value, err := json.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("error marshal message %d: %v", msg.ID, err)
	}
	if len(value) > r.maxBytes {
		return fmt.Errorf("message %d exceeds max limit: %d bytes", msg.ID, r.maxBytes)
	}

	km := kafka.Message{
		Key:   []byte(strconv.FormatInt(msg.ID, 10)),
		Value: value,
		Time:  msg.CreatedAt,
	}

	ctx2, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := r.writer.WriteMessages(ctx2, km); err != nil {
		return fmt.Errorf("error write to kafka: %v", err)
	}
	return nil
}

// Close stops accepting messages, waits for Run to drain the queue and closes
// the writer. Run must have been started.
func (r *Relay) Close() error {
	r.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.Unlock()

	<-r.doneC
	return r.writer.Close()
}
