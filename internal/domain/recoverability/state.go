package recoverability

// ArchiveState is the lifecycle position of an in-flight operation.
type ArchiveState string

const (
	ArchiveStateStarted     ArchiveState = "ArchiveStarted"
	ArchiveStateProgressing ArchiveState = "ArchiveProgressing"
	ArchiveStateFinalizing  ArchiveState = "ArchiveFinalizing"
	ArchiveStateCompleted   ArchiveState = "ArchiveCompleted"
)

func (s ArchiveState) String() string { return string(s) }

// InProgress reports whether the operation still holds its group.
func (s ArchiveState) InProgress() bool { return s != ArchiveStateCompleted }
