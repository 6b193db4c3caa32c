// Package store defines the persistence abstraction for the warden
// coordination core.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ---- status bitfield ----

// Flags is the per-row status bitfield carried by outbox/inbox rows.
// Bits are additive: a row accumulates them as it moves through the
// pipeline rather than transitioning through an enum of named states.
// DebugMode (spec.md §9's open question) is deliberately not a bit in
// this type — it is a per-call config toggle (BatchRequest.DebugMode)
// that controls row retention, not a status a row itself carries.
type Flags int32

const (
	FlagStored               Flags = 1 << 0 // 1
	FlagEventStored          Flags = 1 << 1 // 2
	FlagPublished            Flags = 1 << 2 // 4
	FlagReceptorProcessed    Flags = 1 << 3 // 8
	FlagPerspectiveProcessed Flags = 1 << 4 // 16
	FlagFailed               Flags = 1 << 15 // 32768
)

// Has reports whether all bits in want are set in f.
func (f Flags) Has(want Flags) bool { return f&want == want }

// ---- entities (spec.md §3) ----

// ServiceInstance is one live coordinator process competing for
// partitions. Instances heartbeat and get evicted when stale.
type ServiceInstance struct {
	ID            uuid.UUID `json:"id"`
	HostName      string    `json:"host_name"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// OutboxRow is a message produced by this instance awaiting publication.
type OutboxRow struct {
	ID            uuid.UUID `json:"id"`
	StreamID      string    `json:"stream_id"`
	PartitionNum  int       `json:"partition_num"`
	Payload       []byte    `json:"payload"`
	Flags         Flags     `json:"flags"`
	Attempts      int       `json:"attempts"`
	ScheduledFor  time.Time `json:"scheduled_for"`
	LeaseOwner    uuid.UUID `json:"lease_owner"`
	LeaseExpires  time.Time `json:"lease_expires"`
	CreatedAt     time.Time `json:"created_at"`
}

// InboxRow is a message received from an external producer awaiting
// receptor processing.
type InboxRow struct {
	ID           uuid.UUID `json:"id"`
	StreamID     string    `json:"stream_id"`
	PartitionNum int       `json:"partition_num"`
	Payload      []byte    `json:"payload"`
	Flags        Flags     `json:"flags"`
	Attempts     int       `json:"attempts"`
	ScheduledFor time.Time `json:"scheduled_for"`
	LeaseOwner   uuid.UUID `json:"lease_owner"`
	LeaseExpires time.Time `json:"lease_expires"`
	CreatedAt    time.Time `json:"created_at"`
}

// MessageDedupe records a MessageId that has already been admitted, so a
// retried send is absorbed by ON CONFLICT DO NOTHING rather than
// re-processed.
type MessageDedupe struct {
	MessageID uuid.UUID `json:"message_id"`
	SeenAt    time.Time `json:"seen_at"`
}

// EventStoreRow is one appended event in a stream's append-only log.
// Version is monotonic per stream, enforced by a unique constraint on
// (stream_id, version).
type EventStoreRow struct {
	ID        int64     `json:"id"`
	StreamID  string    `json:"stream_id"`
	Version   int64     `json:"version"`
	EventType string    `json:"event_type"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// ActiveStream tracks which instance currently owns a stream, for sticky
// assignment across batches.
type ActiveStream struct {
	StreamID     string    `json:"stream_id"`
	PartitionNum int       `json:"partition_num"`
	OwnerID      uuid.UUID `json:"owner_id"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// ReceptorProcessing tracks the inbox cursor for one independent
// receptor handler.
type ReceptorProcessing struct {
	ReceptorName string    `json:"receptor_name"`
	StreamID     string    `json:"stream_id"`
	LastInboxID  uuid.UUID `json:"last_inbox_id"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PerspectiveCheckpoint tracks the event-store read position of one
// projection, keyed by stream and perspective name.
type PerspectiveCheckpoint struct {
	PerspectiveName string    `json:"perspective_name"`
	StreamID        string    `json:"stream_id"`
	LastEventID     int64     `json:"last_event_id"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// MessageAssociation maps an event type to the receptors/perspectives
// that should be notified of it, so workers can decide per event type
// whether to route it to a receptor or projection without a
// reflection-based registry.
type MessageAssociation struct {
	EventType       string `json:"event_type"`
	ReceptorName    string `json:"receptor_name,omitempty"`
	PerspectiveName string `json:"perspective_name,omitempty"`
}

// ---- coordination procedure carrier types (spec.md §4.2) ----

// NewOutboxMessage is a message this instance wants to hand to the
// coordination procedure for publication. IsEvent marks a payload that
// should also be appended to the event store in the same transaction
// that admits it (spec.md §4.2 phase 9). PartitionNum is filled in by
// the store implementation (via partition.Of) before the request is
// sent, so the procedure itself never rehashes the stream id.
type NewOutboxMessage struct {
	MessageID    uuid.UUID `json:"message_id"`
	StreamID     string    `json:"stream_id"`
	Payload      []byte    `json:"payload"`
	IsEvent      bool      `json:"is_event"`
	PartitionNum int       `json:"partition_num"`
}

// NewInboxMessage is a message this instance wants to admit for receptor
// processing. IsEvent marks a payload that should also be appended to
// the event store in the same transaction that admits it. PartitionNum
// is filled in by the store implementation before the request is sent.
type NewInboxMessage struct {
	MessageID    uuid.UUID `json:"message_id"`
	StreamID     string    `json:"stream_id"`
	Payload      []byte    `json:"payload"`
	IsEvent      bool      `json:"is_event"`
	PartitionNum int       `json:"partition_num"`
}

// Completion reports that a previously claimed row finished successfully
// (outbox: handed to transport; inbox: receptor dispatch concluded).
type Completion struct {
	RowID uuid.UUID `json:"row_id"`
}

// Failure reports that a previously claimed row failed and should be
// rescheduled with backoff (or marked Failed once attempts are exhausted).
type Failure struct {
	RowID  uuid.UUID `json:"row_id"`
	Reason string    `json:"reason"`
}

// BatchRequest is the single input to the coordination procedure: one
// instance's accumulated work since its last call.
type BatchRequest struct {
	InstanceID            uuid.UUID          `json:"instance_id"`
	HostName              string             `json:"host_name"`
	PartitionCount        int                `json:"partition_count"`
	LeaseSeconds          int                `json:"lease_seconds"`
	BatchSize             int                `json:"batch_size"`
	DebugMode             bool               `json:"debug_mode"`
	StaleThresholdSeconds int                `json:"stale_threshold_seconds"`
	NewOutbox             []NewOutboxMessage `json:"new_outbox,omitempty"`
	NewInbox              []NewInboxMessage  `json:"new_inbox,omitempty"`
	Completions           []Completion       `json:"completions,omitempty"`
	Failures              []Failure          `json:"failures,omitempty"`
	RenewLeaseIDs         []uuid.UUID        `json:"renew_lease_ids,omitempty"`
}

// ClaimedWork is one row the procedure handed back to this instance to
// process, ordered by (stream_id, created_at).
type ClaimedWork struct {
	RowID         uuid.UUID `json:"row_id"`
	Kind          string    `json:"kind"` // "outbox" | "inbox"
	StreamID      string    `json:"stream_id"`
	SequenceOrder int64     `json:"sequence_order"` // epoch-ms of created_at
	Payload       []byte    `json:"payload"`
	Attempts      int       `json:"attempts"`
}

// BatchResult is the single output of the coordination procedure.
type BatchResult struct {
	Claimed     []ClaimedWork `json:"claimed"`
	LiveCount   int           `json:"live_count"`
	InstanceRank int          `json:"instance_rank"`
}

// ---- store interface ----

// Store is the persistence abstraction. All methods are context-aware.
type Store interface {
	// ProcessWorkBatch performs the single atomic round trip: heartbeat,
	// stale eviction, ranking, completion/failure ingest, stream cleanup,
	// lease renewal, new-message persistence, event-store append, orphan
	// reclamation, and claimed-work selection — all in one transaction.
	ProcessWorkBatch(ctx context.Context, req BatchRequest) (*BatchResult, error)

	// ---- event store reads (for perspective/receptor workers) ----
	EventsAfter(ctx context.Context, streamID string, afterVersion int64, limit int) ([]EventStoreRow, error)

	// ListActiveStreamsForOwner returns every stream this instance
	// currently owns, so the perspective worker knows which checkpoints
	// to advance without claiming work outside its fair share.
	ListActiveStreamsForOwner(ctx context.Context, ownerID uuid.UUID) ([]ActiveStream, error)

	// ---- checkpoints ----
	GetPerspectiveCheckpoint(ctx context.Context, perspectiveName, streamID string) (*PerspectiveCheckpoint, error)
	SetPerspectiveCheckpoint(ctx context.Context, perspectiveName, streamID string, lastEventID int64) error
	GetReceptorCheckpoint(ctx context.Context, receptorName, streamID string) (*ReceptorProcessing, error)
	SetReceptorCheckpoint(ctx context.Context, receptorName, streamID string, lastInboxID uuid.UUID) error

	// ---- message associations (data-driven receptor/perspective wiring) ----
	ListMessageAssociations(ctx context.Context, eventType string) ([]MessageAssociation, error)

	// ---- config ----
	GetConfig(ctx context.Context) (map[string]any, error)
	SetConfig(ctx context.Context, data map[string]any) error

	// ---- lifecycle ----
	Close() error
}
