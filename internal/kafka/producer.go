package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

var ErrProducerClosed = errors.New("kafka: producer closed")

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer buffers messages in memory and writes them from one goroutine.
// Each message names its own topic, so one producer serves every event type.
type Producer struct {
	w     messageWriter
	inbox chan kafka.Message
	quit  chan struct{}
	done  chan struct{}
	log   *zap.Logger

	closeOnce sync.Once
}

func NewProducer(brokers []string, buf int, log *zap.Logger) *Producer {
	if log == nil {
		log = zap.NewNop()
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		Async:                  true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				log.Error("kafka_write_failed", zap.Int("messages", len(msgs)), zap.Error(err))
			}
		},
	}
	return newProducer(w, buf, log)
}

func newProducer(w messageWriter, buf int, log *zap.Logger) *Producer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Producer{
		w:     w,
		inbox: make(chan kafka.Message, buf),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
		log:   log,
	}
}

// Start runs the writer loop. Cancelling ctx has the same effect as Close.
// Messages queued before the stop are flushed.
func (p *Producer) Start(ctx context.Context) {
	go func() {
		defer close(p.done)
		defer func() { _ = p.w.Close() }()
		for {
			select {
			case <-ctx.Done():
				p.Close()
				p.drain()
				return
			case <-p.quit:
				p.drain()
				return
			case m := <-p.inbox:
				p.write(m)
			}
		}
	}()
}

func (p *Producer) drain() {
	for {
		select {
		case m := <-p.inbox:
			p.write(m)
		default:
			return
		}
	}
}

func (p *Producer) write(m kafka.Message) {
	if err := p.w.WriteMessages(context.Background(), m); err != nil {
		p.log.Error("kafka_publish_failed", zap.String("topic", m.Topic), zap.ByteString("key", m.Key), zap.Error(err))
	}
}

func (p *Producer) Publish(ctx context.Context, topic string, key, value []byte, headers ...kafka.Header) error {
	select {
	case <-p.quit:
		return ErrProducerClosed
	default:
	}
	select {
	case p.inbox <- kafka.Message{Topic: topic, Key: key, Value: value, Time: time.Now(), Headers: headers}:
		return nil
	case <-p.quit:
		return ErrProducerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishJSON marshals v and queues it on topic.
func (p *Producer) PublishJSON(ctx context.Context, topic string, key []byte, v any) error {
	b, err := Marshal(v)
	if err != nil {
		return err
	}
	return p.Publish(ctx, topic, key, b, kafka.Header{Key: "content-type", Value: []byte("application/json")})
}

// Close stops accepting messages; queued ones are still flushed.
func (p *Producer) Close() {
	p.closeOnce.Do(func() { close(p.quit) })
}

func (p *Producer) WaitClosed() { <-p.done }
