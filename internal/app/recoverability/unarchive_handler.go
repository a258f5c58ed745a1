package recoverability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/servicecontrol/internal/domain/events"
	"github.com/ahrav/servicecontrol/internal/domain/recoverability"
	"github.com/ahrav/servicecontrol/pkg/common"
	"github.com/ahrav/servicecontrol/pkg/common/logger"
	"github.com/ahrav/servicecontrol/pkg/common/timeutil"
)

// UnarchiveAllInGroupHandler restores every archived message of a failure
// group to unresolved. Besides the group-level event it announces the ids
// restored by each batch.
type UnarchiveAllInGroupHandler struct {
	driver *groupBatchDriver
}

// NewUnarchiveAllInGroupHandler wires the unarchive workflow.
func NewUnarchiveAllInGroupHandler(
	documents recoverability.DocumentManager,
	manager *OperationManager,
	retries recoverability.RetryStatusChecker,
	publisher events.DomainEventPublisher,
	metrics OperationMetrics,
	cfg DriverConfig,
	tracer trace.Tracer,
	logger *logger.Logger,
) (*UnarchiveAllInGroupHandler, error) {
	if err := checkKinds(recoverability.KindUnarchive, documents, manager); err != nil {
		return nil, err
	}

	timeProvider := timeutil.Default()
	d := &groupBatchDriver{
		documents: documents,
		manager:   manager,
		retries:   retries,
		publisher: publisher,
		metrics:   metrics,
		cfg:       cfg.withDefaults(),
		throttle:  common.NewRateLimiter(cfg.BatchesPerSecond, 1),
		groupCompleted: func(groupID, groupName string, count int, at time.Time) events.DomainEvent {
			return recoverability.FailedMessageGroupUnarchived{
				GroupID:       groupID,
				GroupName:     groupName,
				MessagesCount: count,
				At:            at,
			}
		},
		timeProvider: timeProvider,
		tracer:       tracer,
		logger:       logger.With("component", "unarchive_all_in_group_handler"),
	}
	d.beforeApply = func(ctx context.Context, batch *recoverability.Batch) error {
		evt := recoverability.FailedMessageGroupBatchUnarchived{
			FailedMessageIDs: append([]string(nil), batch.DocumentIDs...),
			At:               d.timeProvider.Now(),
		}
		if err := publisher.PublishDomainEvent(ctx, evt, events.WithKey(batch.RequestID)); err != nil {
			return fmt.Errorf("failed to publish %s for batch %d: %w", evt.EventType(), batch.Number, err)
		}
		return nil
	}

	return &UnarchiveAllInGroupHandler{driver: d}, nil
}

// Handle runs or resumes the unarchive operation for the command's group.
func (h *UnarchiveAllInGroupHandler) Handle(ctx context.Context, cmd recoverability.UnarchiveAllInGroup) error {
	if err := cmd.ValidateCommand(); err != nil {
		return fmt.Errorf("invalid %s command: %w", cmd.EventType(), err)
	}
	return h.driver.run(ctx, cmd.GroupID)
}
