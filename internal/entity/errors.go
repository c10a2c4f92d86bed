package entity

import (
	"errors"
	"fmt"

	"github.com/MrWong99/entitymesh/pkg/entityid"
)

var (
	// ErrAskTimeout is returned when no reply arrives within [AskTimeout].
	ErrAskTimeout = errors.New("entity: ask timed out")

	// ErrInvalidResponse is returned when the target replied with a message
	// of a type the caller did not expect.
	ErrInvalidResponse = errors.New("entity: invalid response type")

	// ErrSyncAborted is returned by [SyncChannel.Receive] when the peer's
	// handler failed without closing the channel.
	ErrSyncAborted = errors.New("entity: synchronize aborted by peer")

	// ErrSyncClosed is returned when sending on a closed [SyncChannel].
	ErrSyncClosed = errors.New("entity: synchronize channel closed")

	// ErrMailboxFull is returned when an external post exceeds the mailbox
	// limit.
	ErrMailboxFull = errors.New("entity: mailbox full")

	// ErrEntityStopped is returned for messages delivered to an entity that
	// has already stopped, and for deferred asks still pending when it stops
	// gracefully.
	ErrEntityStopped = errors.New("entity: entity stopped")

	// ErrInvalidTarget is returned for operations addressed to [entityid.None]
	// or to an id of an unregistered kind.
	ErrInvalidTarget = errors.New("entity: invalid target entity id")

	// ErrAskSelf is returned when an entity asks itself, which would block
	// its own message loop.
	ErrAskSelf = errors.New("entity: entity cannot ask itself")
)

// Refusal is a deliberate, recoverable rejection of an ask, subscribe or
// synchronize request. A refusal is a registered [Message] so it can cross
// entity boundaries; handlers return it as an error.
type Refusal interface {
	Message
	error
}

// RefusedError is a refusal received from another entity. Origin is the
// entity that raised it. Returning a RefusedError from a handler is an
// unexpected fault: refusals are only propagated when freshly raised.
type RefusedError struct {
	Origin  entityid.ID
	Refusal Refusal
}

func (e *RefusedError) Error() string {
	return fmt.Sprintf("entity: refused by %v: %v", e.Origin, e.Refusal)
}

func (e *RefusedError) Unwrap() error { return e.Refusal }

// UnexpectedAskError is returned to the caller when the target's handler
// failed with anything other than a fresh refusal. The target terminates.
type UnexpectedAskError struct {
	ExceptionType string
	Message       string
	CrashedEntity entityid.ID
	HandlerMethod string
}

func (e *UnexpectedAskError) Error() string {
	return fmt.Sprintf("entity: unexpected %s in %s on %v: %s", e.ExceptionType, e.HandlerMethod, e.CrashedEntity, e.Message)
}

// NoHandlerError is the refusal raised when the target has no handler for
// the request type.
type NoHandlerError struct {
	EntityID  entityid.ID
	AskType   string
	ActorType string
}

func (NoHandlerError) MessageCode() uint32 { return codeNoHandler }

func (e NoHandlerError) Error() string {
	return fmt.Sprintf("entity: %s (%v) has no handler for %s", e.ActorType, e.EntityID, e.AskType)
}

// EntityCrashedError is returned for requests that were queued on an entity
// when it crashed.
type EntityCrashedError struct {
	EntityID entityid.ID
	Cause    string
}

func (e *EntityCrashedError) Error() string {
	return fmt.Sprintf("entity: %v crashed before handling the request: %s", e.EntityID, e.Cause)
}

// EntityUnreachableError is returned when the target cannot be routed to.
type EntityUnreachableError struct {
	EntityID entityid.ID
	Err      error
}

func (e *EntityUnreachableError) Error() string {
	return fmt.Sprintf("entity: %v unreachable: %v", e.EntityID, e.Err)
}

func (e *EntityUnreachableError) Unwrap() error { return e.Err }
