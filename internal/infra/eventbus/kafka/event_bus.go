// Package kafka provides a Kafka-based implementation of the event bus.
// Commands and events travel on separate topics; both are keyed so that
// everything about one group or endpoint instance lands on one partition.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/servicecontrol/internal/domain/events"
	"github.com/ahrav/servicecontrol/internal/domain/monitoring"
	"github.com/ahrav/servicecontrol/internal/domain/recoverability"
	"github.com/ahrav/servicecontrol/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/servicecontrol/internal/infra/eventbus/serialization"
	"github.com/ahrav/servicecontrol/pkg/common/logger"
)

// Config contains the topics and identities used by the bus.
type Config struct {
	// CommandsTopic carries requests handled by this service.
	CommandsTopic string
	// EventsTopic carries the notifications raised by this service.
	EventsTopic string

	GroupID  string
	ClientID string
}

const (
	commitInterval  = time.Second
	redeliveryDelay = time.Second
)

var errAlreadySubscribed = errors.New("event bus already has a subscription")

var _ events.EventBus = (*EventBus)(nil)

// EventBus implements events.EventBus on Kafka. It holds a single consumer
// group, so it accepts a single subscription.
type EventBus struct {
	producer      sarama.SyncProducer
	consumerGroup sarama.ConsumerGroup

	// Maps domain event types to their Kafka topics.
	topicMap map[events.EventType]string

	subscribeOnce sync.Once
	wg            sync.WaitGroup

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

// NewEventBus creates an EventBus from an existing producer and consumer
// group. consumerGroup may be nil for a publish-only bus.
func NewEventBus(
	producer sarama.SyncProducer,
	consumerGroup sarama.ConsumerGroup,
	cfg *Config,
	logger *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	if metrics == nil {
		return nil, fmt.Errorf("metrics are required for kafka event bus")
	}
	if cfg.CommandsTopic == "" || cfg.EventsTopic == "" {
		return nil, fmt.Errorf("commands and events topics are required")
	}

	return &EventBus{
		producer:      producer,
		consumerGroup: consumerGroup,
		topicMap:      topicMap(cfg),
		logger: logger.With(
			"component", "kafka_event_bus",
			"client_id", cfg.ClientID,
			"group_id", cfg.GroupID,
		),
		tracer:  tracer,
		metrics: metrics,
	}, nil
}

func topicMap(cfg *Config) map[events.EventType]string {
	return map[events.EventType]string{
		recoverability.CommandTypeArchiveAllInGroup:                cfg.CommandsTopic,
		recoverability.CommandTypeUnarchiveAllInGroup:              cfg.CommandsTopic,
		monitoring.CommandTypeEndpointHeartbeat:                    cfg.CommandsTopic,
		monitoring.CommandTypeRegisterPotentiallyMissingHeartbeats: cfg.CommandsTopic,
		monitoring.CommandTypeToggleEndpointMonitoring:             cfg.CommandsTopic,
		recoverability.EventTypeArchiveOperationStarting:           cfg.EventsTopic,
		recoverability.EventTypeArchiveOperationBatchCompleted:     cfg.EventsTopic,
		recoverability.EventTypeArchiveOperationFinalizing:         cfg.EventsTopic,
		recoverability.EventTypeArchiveOperationCompleted:          cfg.EventsTopic,
		recoverability.EventTypeFailedMessageGroupArchived:         cfg.EventsTopic,
		recoverability.EventTypeUnarchiveOperationStarting:         cfg.EventsTopic,
		recoverability.EventTypeUnarchiveOperationBatchCompleted:   cfg.EventsTopic,
		recoverability.EventTypeUnarchiveOperationFinalizing:       cfg.EventsTopic,
		recoverability.EventTypeUnarchiveOperationCompleted:        cfg.EventsTopic,
		recoverability.EventTypeFailedMessageGroupUnarchived:       cfg.EventsTopic,
		recoverability.EventTypeFailedMessageGroupBatchUnarchived:  cfg.EventsTopic,
		monitoring.EventTypeHeartbeatingEndpointDetected:           cfg.EventsTopic,
		monitoring.EventTypeEndpointFailedToHeartbeat:              cfg.EventsTopic,
		monitoring.EventTypeEndpointHeartbeatRestored:              cfg.EventsTopic,
		monitoring.EventTypeMonitoringEnabledForEndpoint:           cfg.EventsTopic,
		monitoring.EventTypeMonitoringDisabledForEndpoint:          cfg.EventsTopic,
	}
}

// Publish serializes the envelope and sends it to the topic of its type.
func (b *EventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	topic, ok := b.topicMap[event.Type]
	if !ok {
		return fmt.Errorf("unknown event type '%s', no topic mapped", event.Type)
	}

	ctx, span := tracing.StartProducerSpan(ctx, topic, string(event.Type), b.tracer)
	defer span.End()

	params := events.ApplyOptions(opts)
	if params.Key != "" {
		event.Key = params.Key
		span.SetAttributes(attribute.String("event.key", event.Key))
	}

	msgBytes, err := serialization.SerializeEventEnvelope(event.Type, event.Payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to serialize")
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to serialize payload for event %s: %w", event.Type, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(event.Key),
		Value: sarama.ByteEncoder(msgBytes),
	}
	for k, v := range params.Headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	tracing.InjectTraceContext(ctx, msg)

	partition, offset, err := b.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send")
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to send message to kafka topic %s: %w", topic, err)
	}
	b.metrics.IncMessagePublished(ctx, topic)

	b.logger.Debug(ctx, "Published message to Kafka",
		"topic", topic,
		"event_type", event.Type,
		"partition", partition,
		"offset", offset,
		"key", event.Key,
	)
	span.SetStatus(codes.Ok, "published")
	return nil
}

// Subscribe starts consuming the topics of eventTypes in the background.
// Envelopes of other types on those topics are skipped.
func (b *EventBus) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	ctx, span := b.tracer.Start(ctx, "kafka_event_bus.subscribe")
	defer span.End()

	if b.consumerGroup == nil {
		return fmt.Errorf("event bus was created without a consumer group")
	}

	topics, wanted, err := b.topicsFor(eventTypes)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unknown event type")
		return err
	}
	span.AddEvent("topics_collected", trace.WithAttributes(attribute.StringSlice("topics", topics)))

	err = errAlreadySubscribed
	b.subscribeOnce.Do(func() {
		err = nil
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.consumeLoop(ctx, topics, wanted, handler)
		}()
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	b.logger.Info(ctx, "Subscribed to events", "event_types", eventTypes, "topics", topics)
	return nil
}

func (b *EventBus) topicsFor(eventTypes []events.EventType) ([]string, map[events.EventType]struct{}, error) {
	var topics []string
	seen := make(map[string]struct{})
	wanted := make(map[events.EventType]struct{}, len(eventTypes))
	for _, et := range eventTypes {
		topic, ok := b.topicMap[et]
		if !ok {
			return nil, nil, fmt.Errorf("subscribe: unknown event type %s", et)
		}
		wanted[et] = struct{}{}
		if _, dup := seen[topic]; dup {
			continue
		}
		seen[topic] = struct{}{}
		topics = append(topics, topic)
	}
	return topics, wanted, nil
}

// consumeLoop keeps a consumer group session alive until ctx is done. After
// a handler failure it pauses before rejoining so the failed command is not
// redelivered in a tight loop.
func (b *EventBus) consumeLoop(
	ctx context.Context,
	topics []string,
	wanted map[events.EventType]struct{},
	handler events.HandlerFunc,
) {
	cgHandler := &domainEventHandler{
		wanted:      wanted,
		userHandler: handler,
		logger:      b.logger,
		tracer:      b.tracer,
		metrics:     b.metrics,
	}

	for {
		if err := b.consumerGroup.Consume(ctx, topics, cgHandler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			b.logger.Error(ctx, "Error from consumer group", "error", err)
		}
		if ctx.Err() != nil {
			return
		}

		if cgHandler.failed.Swap(false) {
			b.logger.Warn(ctx, "Handler failed, rejoining consumer group for redelivery",
				"delay", redeliveryDelay.String())
			select {
			case <-ctx.Done():
				return
			case <-time.After(redeliveryDelay):
			}
		}
	}
}

// domainEventHandler implements sarama.ConsumerGroupHandler.
type domainEventHandler struct {
	wanted      map[events.EventType]struct{}
	userHandler events.HandlerFunc

	// failed is set when a claim stopped on a handler error.
	failed atomic.Bool

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

func (h *domainEventHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(sess.Context(), "Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *domainEventHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(sess.Context(), "Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

// ConsumeClaim hands each message of a partition to the user handler in
// order. A message is marked once its handler acknowledges it, or when it
// cannot be decoded at all. Offsets commit cumulatively, so the first
// failed message ends the claim: nothing after it is marked, the session is
// torn down, and the next session resumes at the failed offset.
func (h *domainEventHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	logr := h.logger.With("operation", "consume_claim", "topic", claim.Topic(), "partition", claim.Partition())
	logr.Info(sess.Context(), "Starting to consume from partition", "member_id", sess.MemberID())

	lastCommit := time.Now()
	for msg := range claim.Messages() {
		if err := h.handleMessage(sess, msg, logr); err != nil {
			h.failed.Store(true)
			sess.Commit()
			return fmt.Errorf("stopped %s/%d at offset %d: %w", msg.Topic, msg.Partition, msg.Offset, err)
		}

		if time.Since(lastCommit) > commitInterval {
			sess.Commit()
			lastCommit = time.Now()
		}
	}

	sess.Commit()
	return nil
}

// handleMessage returns an error only when msg must be redelivered; in every
// other case msg has been marked.
func (h *domainEventHandler) handleMessage(
	sess sarama.ConsumerGroupSession,
	msg *sarama.ConsumerMessage,
	logr *logger.Logger,
) error {
	msgCtx := tracing.ExtractTraceContext(sess.Context(), msg)
	msgCtx, span := tracing.StartConsumerSpan(msgCtx, msg, h.tracer)
	defer span.End()

	envelope, err := toEnvelope(msg)
	if err != nil {
		logr.Error(msgCtx, "Dropping undecodable message", "offset", msg.Offset, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "undecodable message")
		h.metrics.IncConsumeError(msgCtx, msg.Topic)
		sess.MarkMessage(msg, "")
		return nil
	}
	span.SetAttributes(attribute.String("event.type", string(envelope.Type)))

	if _, ok := h.wanted[envelope.Type]; !ok {
		sess.MarkMessage(msg, "")
		return nil
	}

	var (
		acked  bool
		ackErr error
	)
	ack := func(err error) {
		acked, ackErr = true, err
		if err != nil {
			h.metrics.IncConsumeError(msgCtx, msg.Topic)
			return
		}
		h.metrics.IncMessageConsumed(msgCtx, msg.Topic)
		sess.MarkMessage(msg, "")
	}

	handlerErr := h.userHandler(msgCtx, envelope, ack)
	switch {
	case acked && ackErr == nil:
		if handlerErr != nil {
			// Acknowledged but rejected, e.g. an invalid command. Not redelivered.
			logr.Warn(msgCtx, "Message acknowledged with error",
				"event_type", envelope.Type,
				"offset", msg.Offset,
				"error", handlerErr,
			)
			span.RecordError(handlerErr)
			span.SetStatus(codes.Error, "message rejected")
			return nil
		}
		span.SetStatus(codes.Ok, "handled")
		return nil

	case !acked && handlerErr == nil:
		h.metrics.IncMessageConsumed(msgCtx, msg.Topic)
		sess.MarkMessage(msg, "")
		span.SetStatus(codes.Ok, "handled")
		return nil
	}

	err = errors.Join(ackErr, handlerErr)
	if ackErr != nil && handlerErr != nil && errors.Is(handlerErr, ackErr) {
		err = handlerErr
	}
	logr.Error(msgCtx, "Failed to handle message, it will be redelivered",
		"event_type", envelope.Type,
		"offset", msg.Offset,
		"error", err,
	)
	span.RecordError(err)
	span.SetStatus(codes.Error, "handler failed")
	return err
}

// toEnvelope decodes a consumed message.
func toEnvelope(msg *sarama.ConsumerMessage) (events.EventEnvelope, error) {
	evtType, payload, err := serialization.DeserializeEventEnvelope(msg.Value)
	if err != nil {
		return events.EventEnvelope{}, err
	}

	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		if h != nil {
			headers[string(h.Key)] = string(h.Value)
		}
	}

	ts := payload.OccurredAt()
	if ts.IsZero() {
		ts = msg.Timestamp
	}

	return events.EventEnvelope{
		Type:      evtType,
		Key:       string(msg.Key),
		Headers:   headers,
		Timestamp: ts,
		Payload:   payload,
		Metadata: events.EventMetadata{
			Partition: msg.Partition,
			Offset:    msg.Offset,
		},
	}, nil
}

// Close shuts down the producer and the consumer group and waits for the
// consume loop to exit.
func (b *EventBus) Close() error {
	logr := b.logger.With("operation", "close")
	ctx, span := b.tracer.Start(context.Background(), "kafka_event_bus.close")
	defer span.End()

	var errs []error
	if err := b.producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close producer: %w", err))
	}
	if b.consumerGroup != nil {
		if err := b.consumerGroup.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close consumer group: %w", err))
		}
	}
	b.wg.Wait()

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close event bus")
		logr.Error(ctx, "Failed to close event bus", "error", err)
		return err
	}

	span.SetStatus(codes.Ok, "closed event bus")
	logr.Info(ctx, "Closed event bus")
	return nil
}
