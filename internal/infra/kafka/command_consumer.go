package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/arklim/sso-ticket-registry/internal/core/port"
	"github.com/arklim/sso-ticket-registry/internal/infra/config"
)

const consumeRetryBackoff = time.Second

// CommandConsumer feeds replication commands from the registry topic into the local receiver.
type CommandConsumer struct {
	receiver port.CommandReceiver
	logger   *zap.Logger
}

// NewCommandConsumer constructs a consumer group handler around receiver.
func NewCommandConsumer(receiver port.CommandReceiver, logger *zap.Logger) *CommandConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandConsumer{receiver: receiver, logger: logger}
}

// HandleMessage decodes a Kafka message prior to processing.
func (c *CommandConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil {
		return fmt.Errorf("message is nil")
	}

	cmd, err := decodeCommand(msg.Value)
	if err != nil {
		return err
	}

	return c.receiver.Receive(ctx, cmd)
}

func (c *CommandConsumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *CommandConsumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim applies messages in partition order. A message that cannot be applied is
// logged and committed so a poison command never blocks the partition.
func (c *CommandConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := c.HandleMessage(session.Context(), msg); err != nil {
				c.logger.Warn("replication command skipped",
					zap.String("topic", msg.Topic),
					zap.Int32("partition", msg.Partition),
					zap.Int64("offset", msg.Offset),
					zap.Error(err),
				)
			}
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

var _ sarama.ConsumerGroupHandler = (*CommandConsumer)(nil)

// ConsumerGroup runs a CommandConsumer in a per-node consumer group so that every node
// receives every command.
type ConsumerGroup struct {
	group   sarama.ConsumerGroup
	handler sarama.ConsumerGroupHandler
	topics  []string
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// ConsumerGroupID derives the node-specific consumer group id.
func ConsumerGroupID(cfg config.KafkaSettings, nodeID string) string {
	if cfg.ConsumerGroupPrefix == "" {
		return nodeID
	}
	return cfg.ConsumerGroupPrefix + "." + nodeID
}

// NewConsumerGroup connects a consumer group for the registry topic.
func NewConsumerGroup(cfg config.KafkaSettings, nodeID string, handler sarama.ConsumerGroupHandler, logger *zap.Logger) (*ConsumerGroup, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	groupID := ConsumerGroupID(cfg, nodeID)
	group, err := sarama.NewConsumerGroup(cfg.Brokers, groupID, newSaramaConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	logger.Info("Kafka consumer group initialized",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("group_id", groupID),
	)

	return &ConsumerGroup{
		group:   group,
		handler: handler,
		topics:  []string{topicName(cfg.TopicPrefix, RegistryTopic)},
		logger:  logger,
	}, nil
}

// Start consumes in the background until ctx is cancelled or Close is called.
func (g *ConsumerGroup) Start(ctx context.Context) {
	g.wg.Add(2)

	go func() {
		defer g.wg.Done()
		for {
			if err := g.group.Consume(ctx, g.topics, g.handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				g.logger.Error("Kafka consume failed", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(consumeRetryBackoff):
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	go func() {
		defer g.wg.Done()
		for err := range g.group.Errors() {
			g.logger.Error("Kafka consumer group error", zap.Error(err))
		}
	}()
}

// Close stops consumption and waits for the background loops.
func (g *ConsumerGroup) Close() error {
	g.logger.Info("Closing Kafka consumer group")
	err := g.group.Close()
	g.wg.Wait()
	if err != nil {
		return fmt.Errorf("close kafka consumer group: %w", err)
	}
	return nil
}
