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

// ArchiveAllInGroupHandler archives every unresolved message of a failure group.
type ArchiveAllInGroupHandler struct {
	driver *groupBatchDriver
}

// NewArchiveAllInGroupHandler wires the archive workflow. documents must be
// an archive-kind DocumentManager and manager the archiving registry.
func NewArchiveAllInGroupHandler(
	documents recoverability.DocumentManager,
	manager *OperationManager,
	retries recoverability.RetryStatusChecker,
	publisher events.DomainEventPublisher,
	metrics OperationMetrics,
	cfg DriverConfig,
	tracer trace.Tracer,
	logger *logger.Logger,
) (*ArchiveAllInGroupHandler, error) {
	if err := checkKinds(recoverability.KindArchive, documents, manager); err != nil {
		return nil, err
	}

	return &ArchiveAllInGroupHandler{
		driver: &groupBatchDriver{
			documents: documents,
			manager:   manager,
			retries:   retries,
			publisher: publisher,
			metrics:   metrics,
			cfg:       cfg.withDefaults(),
			throttle:  common.NewRateLimiter(cfg.BatchesPerSecond, 1),
			groupCompleted: func(groupID, groupName string, count int, at time.Time) events.DomainEvent {
				return recoverability.FailedMessageGroupArchived{
					GroupID:       groupID,
					GroupName:     groupName,
					MessagesCount: count,
					At:            at,
				}
			},
			timeProvider: timeutil.Default(),
			tracer:       tracer,
			logger:       logger.With("component", "archive_all_in_group_handler"),
		},
	}, nil
}

// Handle runs or resumes the archive operation for the command's group.
func (h *ArchiveAllInGroupHandler) Handle(ctx context.Context, cmd recoverability.ArchiveAllInGroup) error {
	if err := cmd.ValidateCommand(); err != nil {
		return fmt.Errorf("invalid %s command: %w", cmd.EventType(), err)
	}
	return h.driver.run(ctx, cmd.GroupID)
}

func checkKinds(
	want recoverability.OperationKind,
	documents recoverability.DocumentManager,
	manager *OperationManager,
) error {
	if documents.Kind() != want {
		return fmt.Errorf("document manager handles %s operations, want %s", documents.Kind(), want)
	}
	if manager.Kind() != want {
		return fmt.Errorf("operation manager tracks %s operations, want %s", manager.Kind(), want)
	}
	return nil
}
