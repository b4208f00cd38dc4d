package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/turbolytics/cpemirror/pkg/ingest"
	"go.uber.org/zap"
)

const (
	DefaultQueueSize     = 10000
	DefaultFlushInterval = time.Second

	headerEventKind = "event_kind"
	barrierPollMs   = 100
	closeTimeoutMs  = 5000
)

var ErrClosed = errors.New("publisher is closed")

// producer is the subset of *kafka.Producer the publisher drives.
type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	Flush(timeoutMs int) int
	GetMetadata(topic *string, allTopics bool, timeoutMs int) (*kafka.Metadata, error)
	Close()
}

type Config struct {
	Brokers  string
	Topic    string
	ClientID string
	// Extra overrides or extends the producer configuration.
	Extra map[string]string
}

func (c Config) configMap() kafka.ConfigMap {
	clientID := c.ClientID
	if clientID == "" {
		clientID = "cpemirror"
	}
	cm := kafka.ConfigMap{
		"bootstrap.servers":            c.Brokers,
		"client.id":                    clientID,
		"linger.ms":                    50,
		"batch.size":                   65536,
		"queue.buffering.max.messages": 1500000,
		"queue.buffering.max.kbytes":   1048576,
		"compression.type":             "snappy",
	}
	for k, v := range c.Extra {
		cm[k] = v
	}
	return cm
}

type PublisherStats struct {
	ConnectionHealthy bool      `json:"connection_healthy"`
	Published         int64     `json:"published"`
	Delivered         int64     `json:"delivered"`
	Failed            int64     `json:"failed"`
	LastWriteAt       time.Time `json:"last_write_at"`
	LastError         string    `json:"last_error,omitempty"`
}

type PublisherOption func(*Publisher)

func WithLogger(logger *zap.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

func WithQueueSize(n int) PublisherOption {
	return func(p *Publisher) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

func WithFlushInterval(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		if d > 0 {
			p.flushInterval = d
		}
	}
}

// WithDeliveryErrorHandler is called for every event the broker did not
// acknowledge.
func WithDeliveryErrorHandler(fn func(error)) PublisherOption {
	return func(p *Publisher) {
		p.onDeliveryError = fn
	}
}

func WithEventSource(src ingest.EventSource) PublisherOption {
	return func(p *Publisher) {
		p.source = src
	}
}

type item struct {
	msg     *kafka.Message
	barrier chan struct{}
}

// Publisher writes change events to a topic. Publish hands events to a
// bounded queue drained by a single produce loop; acknowledgements arrive on
// a shared delivery channel drained by a second loop.
type Publisher struct {
	producer        producer
	topic           string
	source          ingest.EventSource
	queueSize       int
	flushInterval   time.Duration
	onDeliveryError func(error)
	logger          *zap.Logger

	queue      chan item
	deliveries chan kafka.Event
	stop       chan struct{}
	stopAcks   chan struct{}
	loops      sync.WaitGroup
	ackLoop    sync.WaitGroup
	closeOnce  sync.Once

	// produced is only written by the produce loop.
	produced int64
	acked    atomic.Int64

	statsMu sync.RWMutex
	stats   PublisherStats
}

func NewPublisher(cfg Config, opts ...PublisherOption) (*Publisher, error) {
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic must be specified")
	}
	cm := cfg.configMap()
	p, err := kafka.NewProducer(&cm)
	if err != nil {
		return nil, err
	}
	return newPublisher(p, cfg.Topic, opts...), nil
}

func newPublisher(p producer, topic string, opts ...PublisherOption) *Publisher {
	pub := &Publisher{
		producer:      p,
		topic:         topic,
		queueSize:     DefaultQueueSize,
		flushInterval: DefaultFlushInterval,
		logger:        zap.NewNop(),
		source: ingest.EventSource{
			Version:   "1.0.0",
			Connector: "cpemirror",
			Name:      "nvd",
			Table:     topic,
		},
		deliveries: make(chan kafka.Event, DefaultQueueSize),
		stop:       make(chan struct{}),
		stopAcks:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(pub)
	}
	pub.queue = make(chan item, pub.queueSize)
	pub.stats.ConnectionHealthy = true

	pub.loops.Add(2)
	go pub.produceLoop()
	go pub.eventLoop()
	pub.ackLoop.Add(1)
	go pub.deliveryLoop()

	pub.logger.Info("Kafka publisher started", zap.String("topic", topic))
	return pub
}

// Publish enqueues event. It blocks only while the queue is full.
func (p *Publisher) Publish(ctx context.Context, event ingest.ChangeEvent) error {
	value, err := event.Marshal(p.source)
	if err != nil {
		p.recordError(err)
		return err
	}

	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &p.topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(event.Key),
		Value: value,
		Headers: []kafka.Header{
			{Key: headerEventKind, Value: []byte(event.Kind)},
		},
	}

	select {
	case <-p.stop:
		return ErrClosed
	default:
	}

	select {
	case p.queue <- item{msg: msg}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stop:
		return ErrClosed
	}
}

// Flush blocks until every event enqueued before the call has been
// acknowledged, successfully or not.
func (p *Publisher) Flush(ctx context.Context) error {
	select {
	case <-p.stop:
		return ErrClosed
	default:
	}

	barrier := make(chan struct{})
	select {
	case p.queue <- item{barrier: barrier}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stop:
		return ErrClosed
	}

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Publisher) produceLoop() {
	defer p.loops.Done()
	defer p.logger.Info("Producer loop closed")

	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case it := <-p.queue:
			if it.barrier != nil {
				p.awaitAcks()
				close(it.barrier)
				continue
			}
			p.produce(it.msg)
		case <-ticker.C:
			p.producer.Flush(0)
		case <-p.stop:
			p.drain()
			return
		}
	}
}

// drain produces what is still queued and releases pending barriers.
func (p *Publisher) drain() {
	for {
		select {
		case it := <-p.queue:
			if it.barrier != nil {
				close(it.barrier)
				continue
			}
			p.produce(it.msg)
		default:
			return
		}
	}
}

func (p *Publisher) produce(msg *kafka.Message) {
	p.produced++
	if err := p.producer.Produce(msg, p.deliveries); err != nil {
		p.acked.Add(1)
		derr := &ingest.DeliveryError{Key: string(msg.Key), Topic: p.topic, Err: err}
		p.failed(derr)
		return
	}

	p.statsMu.Lock()
	p.stats.Published++
	p.stats.LastWriteAt = time.Now()
	p.statsMu.Unlock()
}

// awaitAcks waits until every produced message has a delivery report.
func (p *Publisher) awaitAcks() {
	for p.acked.Load() < p.produced {
		select {
		case <-p.stop:
			return
		default:
		}
		p.producer.Flush(barrierPollMs)
		if p.acked.Load() < p.produced {
			time.Sleep(time.Millisecond)
		}
	}
}

func (p *Publisher) deliveryLoop() {
	defer p.ackLoop.Done()

	for {
		select {
		case e := <-p.deliveries:
			p.handleDelivery(e)
		case <-p.stopAcks:
			for {
				select {
				case e := <-p.deliveries:
					p.handleDelivery(e)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) handleDelivery(e kafka.Event) {
	m, ok := e.(*kafka.Message)
	if !ok {
		return
	}
	defer p.acked.Add(1)

	if m.TopicPartition.Error != nil {
		p.failed(&ingest.DeliveryError{Key: string(m.Key), Topic: p.topic, Err: m.TopicPartition.Error})
		return
	}

	p.statsMu.Lock()
	p.stats.Delivered++
	p.statsMu.Unlock()

	p.logger.Debug("Message delivered",
		zap.String("topic", p.topic),
		zap.Int32("partition", m.TopicPartition.Partition),
		zap.Int64("offset", int64(m.TopicPartition.Offset)))
}

// eventLoop logs client level errors reported outside of deliveries.
func (p *Publisher) eventLoop() {
	defer p.loops.Done()

	events := p.producer.Events()
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			if kerr, isErr := e.(kafka.Error); isErr {
				p.recordError(kerr)
				p.logger.Error("Producer error", zap.Error(kerr))
			}
		case <-p.stop:
			return
		}
	}
}

func (p *Publisher) failed(err *ingest.DeliveryError) {
	p.statsMu.Lock()
	p.stats.Failed++
	p.stats.LastError = err.Error()
	p.statsMu.Unlock()

	p.logger.Error("Delivery failed", zap.String("key", err.Key), zap.Error(err.Err))
	if p.onDeliveryError != nil {
		p.onDeliveryError(err)
	}
}

func (p *Publisher) recordError(err error) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.stats.LastError = err.Error()
}

// Ping fetches topic metadata from the cluster.
func (p *Publisher) Ping(ctx context.Context) error {
	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	_, err := p.producer.GetMetadata(&p.topic, false, int(timeout.Milliseconds()))
	return err
}

// Close flushes outstanding events and releases the producer.
func (p *Publisher) Close(ctx context.Context) error {
	var err error
	p.closeOnce.Do(func() {
		err = p.Flush(ctx)

		close(p.stop)
		p.loops.Wait()

		if remaining := p.producer.Flush(closeTimeoutMs); remaining > 0 {
			p.logger.Warn("Messages left unflushed at close", zap.Int("remaining", remaining))
		}
		close(p.stopAcks)
		p.ackLoop.Wait()
		p.producer.Close()

		p.statsMu.Lock()
		p.stats.ConnectionHealthy = false
		p.statsMu.Unlock()
	})
	return err
}

func (p *Publisher) Stats() PublisherStats {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()
	return p.stats
}
