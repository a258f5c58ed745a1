// Package recoverability models the failed-message archive and unarchive
// workflows: the durable operation and batch records that make a group-wide
// status change resumable, the in-memory progress mirror shown to operators,
// and the events and commands that drive and describe those jobs.
package recoverability

import "fmt"

// ArchiveType discriminates what an operation's RequestID refers to.
type ArchiveType string

// ArchiveTypeFailureGroup is the only supported archive type: the RequestID is a failure group id.
const ArchiveTypeFailureGroup ArchiveType = "FailureGroup"

func (t ArchiveType) String() string { return string(t) }

// OperationKind selects the direction of a group status change.
type OperationKind string

const (
	// KindArchive moves Unresolved messages to Archived.
	KindArchive OperationKind = "Archive"
	// KindUnarchive moves Archived messages back to Unresolved.
	KindUnarchive OperationKind = "Unarchive"
)

func (k OperationKind) String() string { return string(k) }

// SourceStatus is the status a message must have to be picked up by an operation of this kind.
func (k OperationKind) SourceStatus() FailedMessageStatus {
	if k == KindUnarchive {
		return FailedMessageStatusArchived
	}
	return FailedMessageStatusUnresolved
}

// TargetStatus is the status a message has once its batch is applied.
func (k OperationKind) TargetStatus() FailedMessageStatus {
	if k == KindUnarchive {
		return FailedMessageStatusUnresolved
	}
	return FailedMessageStatusArchived
}

// collection is the document collection prefix for operations of this kind.
func (k OperationKind) collection() string {
	if k == KindUnarchive {
		return "UnarchiveOperations"
	}
	return "ArchiveOperations"
}

// Validate reports whether k is a known kind.
func (k OperationKind) Validate() error {
	switch k {
	case KindArchive, KindUnarchive:
		return nil
	default:
		return fmt.Errorf("unknown operation kind %q", string(k))
	}
}

// FailedMessageStatus is the recoverability status of a failed message document.
type FailedMessageStatus string

const (
	FailedMessageStatusUnresolved  FailedMessageStatus = "Unresolved"
	FailedMessageStatusResolved    FailedMessageStatus = "Resolved"
	FailedMessageStatusRetryIssued FailedMessageStatus = "RetryIssued"
	FailedMessageStatusArchived    FailedMessageStatus = "Archived"
)

func (s FailedMessageStatus) String() string { return string(s) }
