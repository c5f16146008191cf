package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("publisher closed")

// KafkaOptions tunes a KafkaPublisher. Zero values fall back to defaults.
type KafkaOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (o KafkaOptions) withDefaults() KafkaOptions {
	if o.QueueSize <= 0 {
		o.QueueSize = 10_000
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxRetry < 0 {
		o.MaxRetry = 0
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 50 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = time.Second
	}
	return o
}

// KafkaPublisher sends events to a Kafka topic from a bounded local queue.
// Publish only enqueues; workers send with bounded retries and exponential
// backoff. Messages are keyed by document id so one document's events land on
// one partition in order. With more than one worker, ordering across retries
// is not guaranteed.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	log      logrus.FieldLogger
	opt      KafkaOptions

	mu     sync.RWMutex
	closed bool
	queue  chan DiffApplied
	wg     sync.WaitGroup
}

// NewKafkaPublisher starts the workers. The caller owns producer and closes
// it after Close returns.
func NewKafkaPublisher(producer sarama.SyncProducer, topic string, opt KafkaOptions, logger logrus.FieldLogger) *KafkaPublisher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	opt = opt.withDefaults()
	p := &KafkaPublisher{
		producer: producer,
		topic:    topic,
		log:      logger.WithField("component", "kafka_publisher"),
		opt:      opt,
		queue:    make(chan DiffApplied, opt.QueueSize),
	}
	for i := 0; i < opt.Workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(i)
	}
	return p
}

// Publish enqueues evt, waiting for room until ctx is done.
func (p *KafkaPublisher) Publish(ctx context.Context, evt DiffApplied) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events, sends what is queued and waits for the
// workers.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}

func (p *KafkaPublisher) workerLoop(workerID int) {
	defer p.wg.Done()
	for evt := range p.queue {
		p.sendWithRetry(workerID, evt)
	}
}

func (p *KafkaPublisher) sendWithRetry(workerID int, evt DiffApplied) {
	for attempt := 0; attempt <= p.opt.MaxRetry; attempt++ {
		err := p.sendOnce(evt)
		if err == nil {
			return
		}
		if attempt == p.opt.MaxRetry {
			p.log.WithFields(logrus.Fields{
				"doc":     evt.DocID,
				"version": evt.Version,
				"worker":  workerID,
			}).WithError(err).Error("dropping event after retries")
			return
		}

		// Backoff doubles each attempt, capped at MaxBackoff.
		backoff := p.opt.BaseBackoff * time.Duration(1<<attempt)
		if backoff > p.opt.MaxBackoff {
			backoff = p.opt.MaxBackoff
		}
		time.Sleep(backoff)
	}
}

func (p *KafkaPublisher) sendOnce(evt DiffApplied) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(evt.DocID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = p.producer.SendMessage(msg)
	return err
}

// NewSyncProducer builds the producer config used by the service: wait for
// the leader's ack and report successes, as SyncProducer requires.
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	return sarama.NewSyncProducer(brokers, cfg)
}
