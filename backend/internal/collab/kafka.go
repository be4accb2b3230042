package collab

import (
	"time"

	"collabSync/backend/internal/oplog"
	"collabSync/backend/internal/ot/delta"
)

const EventOpApplied = "OP_APPLIED"

// DocOpEvent 每条进入日志的操作对外发布一次，按 docId 分区保证同文档有序
type DocOpEvent struct {
	EventType     string      `json:"eventType"`
	DocID         string      `json:"docId"`
	OperationID   string      `json:"operationId"`
	Position      uint64      `json:"position"`
	AuthorUser    uint64      `json:"authorUser"`
	AuthorSession string      `json:"authorSession"`
	ClientID      string      `json:"clientId,omitempty"`
	ClientSeq     uint64      `json:"clientSeq,omitempty"`
	BaseVersion   uint64      `json:"baseVersion"`
	Ops           delta.Delta `json:"ops"`
	AppliedAt     time.Time   `json:"appliedAt"`
}

func NewDocOpEvent(entry oplog.LogEntry) DocOpEvent {
	return DocOpEvent{
		EventType:     EventOpApplied,
		DocID:         entry.DocID,
		OperationID:   entry.ID(),
		Position:      entry.Position,
		AuthorUser:    entry.AuthorUser,
		AuthorSession: entry.AuthorSession,
		ClientID:      entry.ClientID,
		ClientSeq:     entry.ClientSeq,
		BaseVersion:   entry.BaseVersion,
		Ops:           entry.Delta,
		AppliedAt:     entry.CreatedAt,
	}
}
