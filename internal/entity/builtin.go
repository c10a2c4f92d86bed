package entity

import "github.com/MrWong99/entitymesh/pkg/entityid"

// Runtime message codes.
const (
	codeWatchedEntityTerminated uint32 = 1
	codeNoHandler               uint32 = 2
	codeRefreshRequest          uint32 = 3
	codeRefreshResponse         uint32 = 4
	codeEnsureLatestRequest     uint32 = 5
	codeEnsureLatestResponse    uint32 = 6
	codeDescribeRequest         uint32 = 7
	codeDescribeResponse        uint32 = 8
)

var runtimeMessages = []Message{
	WatchedEntityTerminated{},
	NoHandlerError{},
	RefreshRequest{},
	RefreshResponse{},
	EnsureOnLatestSchemaVersionRequest{},
	EnsureOnLatestSchemaVersionResponse{},
	DescribeRequest{},
	DescribeResponse{},
}

// WatchedEntityTerminated is delivered to every watcher of an entity when
// that incarnation stops. Behaviors may handle it with [HandleMessage] after
// the runtime has reconciled subscriptions.
type WatchedEntityTerminated struct {
	EntityID      entityid.ID
	IncarnationID uint64
}

func (WatchedEntityTerminated) MessageCode() uint32 { return codeWatchedEntityTerminated }

// RefreshRequest asks a persisted entity to persist its state and, when
// idle, shut down so the next access loads fresh.
type RefreshRequest struct{}

func (RefreshRequest) MessageCode() uint32 { return codeRefreshRequest }

// RefreshResponse answers [RefreshRequest] once the state is persisted.
type RefreshResponse struct{}

func (RefreshResponse) MessageCode() uint32 { return codeRefreshResponse }

// EnsureOnLatestSchemaVersionRequest makes a persisted entity load, migrate
// and persist itself, which rewrites its record at the newest schema version.
type EnsureOnLatestSchemaVersionRequest struct{}

func (EnsureOnLatestSchemaVersionRequest) MessageCode() uint32 { return codeEnsureLatestRequest }

// EnsureOnLatestSchemaVersionResponse reports the schema version written.
type EnsureOnLatestSchemaVersionResponse struct {
	CurrentSchemaVersion int
}

func (EnsureOnLatestSchemaVersionResponse) MessageCode() uint32 { return codeEnsureLatestResponse }

// DescribeRequest asks any entity for a diagnostic summary. The runtime
// answers it unless the behavior registers its own handler.
type DescribeRequest struct{}

func (DescribeRequest) MessageCode() uint32 { return codeDescribeRequest }

// DescribeResponse is the diagnostic summary of one entity incarnation.
type DescribeResponse struct {
	EntityID      string
	ActorType     string
	IncarnationID uint64
	Subscribers   int
	Subscriptions int
	Timers        int
	Details       string
}

func (DescribeResponse) MessageCode() uint32 { return codeDescribeResponse }

// Describer is implemented by behaviors that add details to
// [DescribeResponse].
type Describer interface {
	Describe() string
}
