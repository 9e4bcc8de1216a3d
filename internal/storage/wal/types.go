package wal

import "github.com/ChuLiYu/scangrade/pkg/types"

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for the pipeline journal
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventFileProcessed   EventType = "FILE_PROCESSED"   // Source file outputs written
	EventPagePending     EventType = "PAGE_PENDING"     // Page deferred to review
	EventPageResolved    EventType = "PAGE_RESOLVED"    // Operator resolved a pending page
	EventMappingAccepted EventType = "MAPPING_ACCEPTED" // copy -> person accepted
	EventReset           EventType = "RESET"            // Operator cleared all state
	EventCommit          EventType = "COMMIT"           // Closes a batch
)

// Event represents a WAL event record.
//
// Events are grouped into batches by Batch. A batch takes effect only once
// its COMMIT event is on disk.
type Event struct {
	Seq       uint64    `json:"seq"`       // Event sequence number (monotonically increasing)
	Type      EventType `json:"type"`      // Event type
	Batch     string    `json:"batch"`     // Batch id
	RunID     string    `json:"run_id,omitempty"`
	Timestamp int64     `json:"timestamp"` // Unix millisecond timestamp

	File      string           `json:"file,omitempty"`
	Offset    int              `json:"offset,omitempty"`
	Rotation  types.Rotation   `json:"rotation,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Candidate *string          `json:"candidate,omitempty"`
	Label     *types.ExamLabel `json:"label,omitempty"`
	RawSymbol string           `json:"raw_symbol,omitempty"`
	CopyIndex int              `json:"copy_index,omitempty"`
	Person    string           `json:"person,omitempty"`

	Checksum uint32 `json:"checksum"` // CRC32 over the event with Checksum zeroed
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
