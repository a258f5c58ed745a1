package recoverability

import (
	"time"

	"github.com/ahrav/servicecontrol/internal/domain/events"
)

// Event types raised while an archive operation runs.
const (
	EventTypeArchiveOperationStarting       events.EventType = "ArchiveOperationStarting"
	EventTypeArchiveOperationBatchCompleted events.EventType = "ArchiveOperationBatchCompleted"
	EventTypeArchiveOperationFinalizing     events.EventType = "ArchiveOperationFinalizing"
	EventTypeArchiveOperationCompleted      events.EventType = "ArchiveOperationCompleted"
	EventTypeFailedMessageGroupArchived     events.EventType = "FailedMessageGroupArchived"
)

// Event types raised while an unarchive operation runs.
const (
	EventTypeUnarchiveOperationStarting        events.EventType = "UnarchiveOperationStarting"
	EventTypeUnarchiveOperationBatchCompleted  events.EventType = "UnarchiveOperationBatchCompleted"
	EventTypeUnarchiveOperationFinalizing      events.EventType = "UnarchiveOperationFinalizing"
	EventTypeUnarchiveOperationCompleted       events.EventType = "UnarchiveOperationCompleted"
	EventTypeFailedMessageGroupUnarchived      events.EventType = "FailedMessageGroupUnarchived"
	EventTypeFailedMessageGroupBatchUnarchived events.EventType = "FailedMessageGroupBatchUnarchived"
)

func kindEventType(kind OperationKind, archive, unarchive events.EventType) events.EventType {
	if kind == KindUnarchive {
		return unarchive
	}
	return archive
}

// OperationStarting is raised when an operation begins or resumes.
type OperationStarting struct {
	Kind        OperationKind   `json:"kind"`
	RequestID   string          `json:"request_id"`
	ArchiveType ArchiveType     `json:"archive_type"`
	Progress    ArchiveProgress `json:"progress"`
	StartTime   time.Time       `json:"start_time"`
}

func (e OperationStarting) EventType() events.EventType {
	return kindEventType(e.Kind, EventTypeArchiveOperationStarting, EventTypeUnarchiveOperationStarting)
}
func (e OperationStarting) OccurredAt() time.Time { return e.StartTime }

// OperationBatchCompleted is raised after each applied batch.
type OperationBatchCompleted struct {
	Kind        OperationKind   `json:"kind"`
	RequestID   string          `json:"request_id"`
	ArchiveType ArchiveType     `json:"archive_type"`
	Progress    ArchiveProgress `json:"progress"`
	StartTime   time.Time       `json:"start_time"`
	Last        time.Time       `json:"last"`
}

func (e OperationBatchCompleted) EventType() events.EventType {
	return kindEventType(e.Kind, EventTypeArchiveOperationBatchCompleted, EventTypeUnarchiveOperationBatchCompleted)
}
func (e OperationBatchCompleted) OccurredAt() time.Time { return e.Last }

// OperationFinalizing is raised once every batch has been applied and the
// operation waits for queries to reflect the new statuses.
type OperationFinalizing struct {
	Kind        OperationKind   `json:"kind"`
	RequestID   string          `json:"request_id"`
	ArchiveType ArchiveType     `json:"archive_type"`
	Progress    ArchiveProgress `json:"progress"`
	StartTime   time.Time       `json:"start_time"`
	Last        time.Time       `json:"last"`
}

func (e OperationFinalizing) EventType() events.EventType {
	return kindEventType(e.Kind, EventTypeArchiveOperationFinalizing, EventTypeUnarchiveOperationFinalizing)
}
func (e OperationFinalizing) OccurredAt() time.Time { return e.Last }

// OperationCompleted is raised when an operation reaches its terminal state.
type OperationCompleted struct {
	Kind           OperationKind   `json:"kind"`
	RequestID      string          `json:"request_id"`
	ArchiveType    ArchiveType     `json:"archive_type"`
	GroupName      string          `json:"group_name"`
	Progress       ArchiveProgress `json:"progress"`
	StartTime      time.Time       `json:"start_time"`
	CompletionTime time.Time       `json:"completion_time"`
}

func (e OperationCompleted) EventType() events.EventType {
	return kindEventType(e.Kind, EventTypeArchiveOperationCompleted, EventTypeUnarchiveOperationCompleted)
}
func (e OperationCompleted) OccurredAt() time.Time { return e.CompletionTime }

// FailedMessageGroupArchived is published once a whole group has been archived.
type FailedMessageGroupArchived struct {
	GroupID       string    `json:"group_id"`
	GroupName     string    `json:"group_name"`
	MessagesCount int       `json:"messages_count"`
	At            time.Time `json:"at"`
}

func (e FailedMessageGroupArchived) EventType() events.EventType {
	return EventTypeFailedMessageGroupArchived
}
func (e FailedMessageGroupArchived) OccurredAt() time.Time { return e.At }

// FailedMessageGroupUnarchived is published once a whole group has been restored.
type FailedMessageGroupUnarchived struct {
	GroupID       string    `json:"group_id"`
	GroupName     string    `json:"group_name"`
	MessagesCount int       `json:"messages_count"`
	At            time.Time `json:"at"`
}

func (e FailedMessageGroupUnarchived) EventType() events.EventType {
	return EventTypeFailedMessageGroupUnarchived
}
func (e FailedMessageGroupUnarchived) OccurredAt() time.Time { return e.At }

// FailedMessageGroupBatchUnarchived lists the messages restored by a single
// unarchive batch so that downstream views can refresh them individually.
type FailedMessageGroupBatchUnarchived struct {
	FailedMessageIDs []string  `json:"failed_message_ids"`
	At               time.Time `json:"at"`
}

func (e FailedMessageGroupBatchUnarchived) EventType() events.EventType {
	return EventTypeFailedMessageGroupBatchUnarchived
}
func (e FailedMessageGroupBatchUnarchived) OccurredAt() time.Time { return e.At }
