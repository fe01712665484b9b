package store

import (
	"context"
	"errors"
	"time"

	"github.com/forgefit/accessbridge/internal/accessbridge/types"
)

// ErrLeaseLost is returned when a processor tries to complete or release an
// event whose lease it no longer holds (expired and reclaimed, or already
// completed by someone else).
var ErrLeaseLost = errors.New("processing lease lost")

type EventSource string

const (
	SourceWebhook EventSource = "webhook"
	SourceFetch   EventSource = "fetch"
)

// RawEventRecord is one stored vendor access event. Empty optional strings
// are stored as NULL.
type RawEventRecord struct {
	ID              int64
	BranchID        string
	ExternalEventID string
	EventType       types.EventType
	EventTime       time.Time
	PersonID        string
	DeviceID        string
	DoorID          string
	DoorName        string
	CardNo          string
	FaceID          string
	PictureURL      string
	RawPayload      []byte
	Source          EventSource
	ReceivedAt      time.Time

	Processed   bool
	ProcessedAt *time.Time

	LeaseOwner     string
	LeaseExpiresAt *time.Time
	Attempts       int
	LastError      string
}

// ClaimRequest asks for up to Limit unprocessed events of one branch whose
// lease is empty or expired at Now.
type ClaimRequest struct {
	BranchID string
	Owner    string
	Limit    int
	LeaseTTL time.Duration
	Now      time.Time
}

type AttendanceRecord struct {
	SourceEventID  int64
	MemberID       string
	BranchID       string
	CheckIn        *time.Time
	CheckOut       *time.Time
	AttendanceDate string // YYYY-MM-DD
	Method         string
	CreatedAt      time.Time
}

type AccessDenialLog struct {
	SourceEventID   int64
	BranchID        string
	PersonID        string
	ExternalEventID string
	DeviceID        string
	DoorID          string
	DoorName        string
	CardNo          string
	EventTime       time.Time
	RawPayload      []byte
	CreatedAt       time.Time
}

// Completion finishes one claimed event: at most one of Attendance and
// Denial is set, and the event is marked processed in the same transaction.
type Completion struct {
	EventID     int64
	Owner       string
	ProcessedAt time.Time
	Attendance  *AttendanceRecord
	Denial      *AccessDenialLog
}

// RawEventStore is the durable queue of vendor events.
type RawEventStore interface {
	// InsertEvent stores rec unless its ExternalEventID already exists.
	// inserted is false for a duplicate.
	InsertEvent(ctx context.Context, rec RawEventRecord) (inserted bool, err error)

	// ClaimBatch leases pending events ordered by event time, then id.
	ClaimBatch(ctx context.Context, req ClaimRequest) ([]RawEventRecord, error)

	// CompleteEvent writes the derived record (if any) and marks the event
	// processed. Returns ErrLeaseLost if owner no longer holds the lease.
	CompleteEvent(ctx context.Context, c Completion) error

	// ReleaseClaim drops owner's lease so the event is retried, recording
	// cause as the event's last error.
	ReleaseClaim(ctx context.Context, eventID int64, owner string, cause string) error
}

// PersonMappingStore resolves vendor subjects to members. Read-only here;
// mappings are maintained by the enrollment flow.
type PersonMappingStore interface {
	// LookupMember tries personID first, then cardNo. found is false when
	// neither maps to a member.
	LookupMember(ctx context.Context, branchID, personID, cardNo string) (memberID string, found bool, err error)
}

type BranchStore interface {
	IsKnown(ctx context.Context, branchID string) (bool, error)
	MarkSeen(ctx context.Context, branchID string, t time.Time) error
}
