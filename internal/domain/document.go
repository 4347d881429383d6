package domain

import "time"

// DesignerState is a full editor document at a point in time: the block tree
// plus project settings. Values are plain JSON shapes (nil, bool, string,
// numbers, []any, map[string]any) and are never mutated once handed over.
type DesignerState map[string]any

// Snapshot is the last document state known to be durably saved for a project.
// Seq is the sequence number of the last job folded into State.
type Snapshot struct {
	ProjectID string        `json:"projectId" cbor:"projectId"`
	Seq       uint64        `json:"seq" cbor:"seq"`
	State     DesignerState `json:"state" cbor:"state"`
	SavedAt   time.Time     `json:"savedAt" cbor:"savedAt"`
}
