package recoverability

import (
	"errors"
	"time"

	"github.com/ahrav/servicecontrol/internal/domain/events"
)

// Command types accepted by the recoverability handlers.
const (
	CommandTypeArchiveAllInGroup   events.EventType = "ArchiveAllInGroup"
	CommandTypeUnarchiveAllInGroup events.EventType = "UnarchiveAllInGroup"
)

var errMissingGroupID = errors.New("group id is required")

// ArchiveAllInGroup requests that every unresolved message of a failure group be archived.
type ArchiveAllInGroup struct {
	GroupID   string    `json:"group_id"`
	Requested time.Time `json:"requested"`
}

// NewArchiveAllInGroup creates an ArchiveAllInGroup command for groupID.
func NewArchiveAllInGroup(groupID string) ArchiveAllInGroup {
	return ArchiveAllInGroup{GroupID: groupID, Requested: time.Now().UTC()}
}

func (c ArchiveAllInGroup) EventType() events.EventType { return CommandTypeArchiveAllInGroup }
func (c ArchiveAllInGroup) OccurredAt() time.Time { return c.Requested }

// CommandID keys the command by group so that all commands for a group land
// on the same partition and are handled in order.
func (c ArchiveAllInGroup) CommandID() string { return c.GroupID }

func (c ArchiveAllInGroup) ValidateCommand() error {
	if c.GroupID == "" {
		return errMissingGroupID
	}
	return nil
}

// UnarchiveAllInGroup requests that every archived message of a failure group be restored.
type UnarchiveAllInGroup struct {
	GroupID   string    `json:"group_id"`
	Requested time.Time `json:"requested"`
}

// NewUnarchiveAllInGroup creates an UnarchiveAllInGroup command for groupID.
func NewUnarchiveAllInGroup(groupID string) UnarchiveAllInGroup {
	return UnarchiveAllInGroup{GroupID: groupID, Requested: time.Now().UTC()}
}

func (c UnarchiveAllInGroup) EventType() events.EventType { return CommandTypeUnarchiveAllInGroup }
func (c UnarchiveAllInGroup) OccurredAt() time.Time { return c.Requested }
func (c UnarchiveAllInGroup) CommandID() string { return c.GroupID }

func (c UnarchiveAllInGroup) ValidateCommand() error {
	if c.GroupID == "" {
		return errMissingGroupID
	}
	return nil
}
