package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// KafkaFeed appends the value of every record read from a topic.
type KafkaFeed struct {
	stopper
	cfg  KafkaConfig
	repo *Repository
	log  *zap.Logger
}

func NewKafkaFeed(cfg KafkaConfig, repo *Repository, log *zap.Logger) (*KafkaFeed, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka feed needs brokers and a topic")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "lesocket-server"
	}
	return &KafkaFeed{cfg: cfg, repo: repo, log: log.Named("kafka")}, nil
}

func (f *KafkaFeed) Name() string { return string(KindKafka) }

func (f *KafkaFeed) Start(ctx context.Context) error {
	ctx, cancel := f.run(ctx)
	defer cancel()

	// The reader joins the consumer group as soon as it is created.
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  f.cfg.Brokers,
		Topic:    f.cfg.Topic,
		GroupID:  f.cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
	})
	defer reader.Close()

	f.log.Info("Kafka feed started", zap.Strings("brokers", f.cfg.Brokers), zap.String("topic", f.cfg.Topic), zap.String("group", f.cfg.GroupID))
	values := make(chan kafka.Message)
	errc := make(chan error, 1)
	go func() {
		defer close(values)
		for {
			msg, err := reader.ReadMessage(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					errc <- err
				}
				return
			}
			select {
			case values <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	n, err := pump(ctx, values, func(m kafka.Message) string { return string(m.Value) }, f.repo, f.log)
	f.log.Info("Kafka feed stopped", zap.Int("received", n))
	if errors.Is(err, ErrSourceClosed) {
		select {
		case readErr := <-errc:
			return fmt.Errorf("kafka read failed: %w", readErr)
		default:
			return nil
		}
	}
	return err
}
