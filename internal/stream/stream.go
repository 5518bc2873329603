// Package stream adapts Kafka as the streaming replication channel.
//
// Every region consumes its own topic, <prefix>.<region>; records are keyed
// by the replicated key so a key's events stay ordered within a partition.
package stream

import (
	"context"
	"sync"

	"github.com/IBM/sarama"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"georepl/internal/codec"
	replerr "georepl/internal/errors"
	"georepl/internal/logging"
)

const defaultPrefix = "georepl"

// Config selects the brokers and topic naming.
type Config struct {
	Brokers     []string `toml:"brokers"`
	TopicPrefix string   `toml:"topic_prefix"`
	ClientID    string   `toml:"client_id"`
}

// SaramaConfig returns the client configuration used by Dial.
func SaramaConfig(cfg Config) *sarama.Config {
	sc := sarama.NewConfig()
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Idempotent = false
	sc.Consumer.Return.Errors = true
	return sc
}

// Receiver applies an envelope received from a peer region.
type Receiver interface {
	HandleRemote(ctx context.Context, env codec.Envelope) error
}

// Handler processes one record.
type Handler func(ctx context.Context, key, value []byte) error

// Stream sends and consumes replication records.
type Stream struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	prefix   string
	codec    codec.Codec
	logger   log.Logger

	wg sync.WaitGroup
}

// Dial connects a producer and a consumer to cfg.Brokers.
func Dial(cfg Config, logger log.Logger) (*Stream, error) {
	sc := SaramaConfig(cfg)

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, errors.Wrap(err, "kafka producer")
	}
	consumer, err := sarama.NewConsumer(cfg.Brokers, sc)
	if err != nil {
		producer.Close()
		return nil, errors.Wrap(err, "kafka consumer")
	}
	return New(producer, consumer, cfg, logger), nil
}

// New uses existing clients. consumer may be nil for a send-only stream.
func New(producer sarama.SyncProducer, consumer sarama.Consumer, cfg Config, logger log.Logger) *Stream {
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Stream{
		producer: producer,
		consumer: consumer,
		prefix:   prefix,
		codec:    codec.Default,
		logger:   logging.Component(logger, "stream"),
	}
}

// Topic returns the replication topic of region.
func (s *Stream) Topic(region string) string {
	return s.prefix + "." + region
}

// Send writes one record.
func (s *Stream) Send(ctx context.Context, topic, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	partition, offset, err := s.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		return errors.Wrapf(err, "kafka send %s", topic)
	}
	level.Debug(s.logger).Log("msg", "sent", "topic", topic, "key", key, "partition", partition, "offset", offset)
	return nil
}

// OnMessage consumes every partition of topic from the newest offset and
// calls handler per record until ctx is done. Handler errors are logged.
func (s *Stream) OnMessage(ctx context.Context, topic string, handler Handler) error {
	if s.consumer == nil {
		return errors.New("stream has no consumer")
	}

	partitions, err := s.consumer.Partitions(topic)
	if err != nil {
		return errors.Wrapf(err, "kafka partitions of %s", topic)
	}

	for _, p := range partitions {
		pc, err := s.consumer.ConsumePartition(topic, p, sarama.OffsetNewest)
		if err != nil {
			return errors.Wrapf(err, "kafka consume %s/%d", topic, p)
		}

		s.wg.Add(1)
		go func(p int32, pc sarama.PartitionConsumer) {
			defer s.wg.Done()
			defer pc.Close()

			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-pc.Messages():
					if !ok {
						return
					}
					if err := handler(ctx, msg.Key, msg.Value); err != nil {
						level.Warn(s.logger).Log("msg", "stream record rejected", "topic", topic, "partition", p, "offset", msg.Offset, "err", err)
					}
				case cerr, ok := <-pc.Errors():
					if !ok {
						return
					}
					level.Warn(s.logger).Log("msg", "stream consume error", "topic", topic, "partition", p, "err", cerr)
				}
			}
		}(p, pc)
	}
	return nil
}

// Name identifies the sink.
func (s *Stream) Name() string { return "kafka" }

// SendEnvelope implements the replication sink on region's topic.
func (s *Stream) SendEnvelope(ctx context.Context, region string, env codec.Envelope) error {
	frame, err := s.codec.Marshal(env)
	if err != nil {
		return err
	}
	if err := s.Send(ctx, s.Topic(region), env.Key, frame); err != nil {
		return replerr.Transport(replerr.OpPropagate, region, err)
	}
	return nil
}

// Listen feeds records on region's topic into recv.
func (s *Stream) Listen(ctx context.Context, region string, recv Receiver) error {
	return s.OnMessage(ctx, s.Topic(region), func(ctx context.Context, _, value []byte) error {
		env, err := s.codec.Unmarshal(value)
		if err != nil {
			return err
		}
		return recv.HandleRemote(ctx, env)
	})
}

// Sink adapts a Stream to the replication sink shape.
type Sink struct{ *Stream }

func (s Sink) Send(ctx context.Context, region string, env codec.Envelope) error {
	return s.Stream.SendEnvelope(ctx, region, env)
}

// Close waits for consumers to stop, then closes the clients. Cancel the
// context passed to OnMessage first.
func (s *Stream) Close() error {
	s.wg.Wait()

	var firstErr error
	if s.consumer != nil {
		if err := s.consumer.Close(); err != nil {
			firstErr = err
		}
	}
	if err := s.producer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
