package recoverability

import (
	"slices"
	"time"
)

// FailureGroup classifies a failed message. A message can belong to several groups.
type FailureGroup struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Type  string `json:"type"`
}

// FailedMessage is the subset of the failed message document the archive
// workflows read and patch.
type FailedMessage struct {
	ID            string
	Status        FailedMessageStatus
	FailureGroups []FailureGroup
	LastModified  time.Time
}

// InGroup reports whether the message is classified under groupID.
func (m *FailedMessage) InGroup(groupID string) bool {
	return slices.ContainsFunc(m.FailureGroups, func(g FailureGroup) bool { return g.ID == groupID })
}

// Group returns the classification for groupID, if any.
func (m *FailedMessage) Group(groupID string) (FailureGroup, bool) {
	for _, g := range m.FailureGroups {
		if g.ID == groupID {
			return g, true
		}
	}
	return FailureGroup{}, false
}
