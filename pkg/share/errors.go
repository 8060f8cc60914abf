package share

import (
	"errors"
	"fmt"
)

// Error is a domain error raised by the control plane.
//
// Validation, conflict and inconsistent-state failures are all reported as
// *Error so that callers can branch on Kind instead of on message text.
// Infrastructure failures (a closed database, a cancelled context) are not
// wrapped and surface as plain errors.
type Error struct {
	// Kind is the error category
	Kind ErrorKind

	// Message is a human-readable description
	Message string

	// Resource names the entity type involved ("share", "instance", ...)
	Resource string

	// ID is the identifier of the entity involved, if any
	ID string
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Resource != "" && e.ID != "":
		return fmt.Sprintf("%s: %s %s", e.Message, e.Resource, e.ID)
	case e.ID != "":
		return e.Message + ": " + e.ID
	}
	return e.Message
}

// Is makes errors.Is match any *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Message == ""
}

// ErrorKind is the category of a domain error.
type ErrorKind int

const (
	// KindUnknown is returned by KindOf for errors that are not *Error
	KindUnknown ErrorKind = iota

	// KindNotFound indicates a row is absent
	KindNotFound

	// KindInvalidInput indicates a bad request argument (size, name, level)
	KindInvalidInput

	// KindInvalidState indicates an illegal state machine transition
	KindInvalidState

	// KindInvalidShare indicates a share precondition failed
	KindInvalidShare

	// KindInvalidShareInstance indicates an instance precondition failed
	KindInvalidShareInstance

	// KindInvalidHost indicates a destination host is unusable
	KindInvalidHost

	// KindServiceNotFound indicates no service is registered for a host
	KindServiceNotFound

	// KindResourceBusy indicates a task is in flight on the share
	KindResourceBusy

	// KindDependentResource indicates children (snapshots, cgsnapshot members)
	// block the operation
	KindDependentResource

	// KindConflict indicates the share is in a conflicting configuration
	// (for example it has replicas)
	KindConflict

	// KindReplication indicates a replication precondition failed
	KindReplication

	// KindReplicationConflict indicates the operation would leave the share
	// without an active replica
	KindReplicationConflict

	// KindPermissionDenied indicates the caller lacks privilege
	KindPermissionDenied

	// KindShareAccessExists indicates an access rule with the same type and
	// target already exists
	KindShareAccessExists

	// KindInvalidShareAccess indicates a driver rejected an access rule
	KindInvalidShareAccess

	// KindNoValidHost indicates the scheduler found no admissible host
	KindNoValidHost

	// KindMigrationFailed indicates a migration reached an inconsistent state
	KindMigrationFailed

	// KindDriver indicates a backend driver failure
	KindDriver

	// KindNotSupported indicates an operation the driver does not implement
	KindNotSupported

	// KindQuota indicates a quota limit was exceeded
	KindQuota

	// KindTimeout indicates a synchronous call timed out
	KindTimeout
)

var kindNames = map[ErrorKind]string{
	KindUnknown:              "Unknown",
	KindNotFound:             "NotFound",
	KindInvalidInput:         "InvalidInput",
	KindInvalidState:         "InvalidState",
	KindInvalidShare:         "InvalidShare",
	KindInvalidShareInstance: "InvalidShareInstance",
	KindInvalidHost:          "InvalidHost",
	KindServiceNotFound:      "ServiceNotFound",
	KindResourceBusy:         "ResourceBusy",
	KindDependentResource:    "DependentResource",
	KindConflict:             "Conflict",
	KindReplication:          "Replication",
	KindReplicationConflict:  "ReplicationConflict",
	KindPermissionDenied:     "PermissionDenied",
	KindShareAccessExists:    "ShareAccessExists",
	KindInvalidShareAccess:   "InvalidShareAccess",
	KindNoValidHost:          "NoValidHost",
	KindMigrationFailed:      "MigrationFailed",
	KindDriver:               "Driver",
	KindNotSupported:         "NotSupported",
	KindQuota:                "Quota",
	KindTimeout:              "Timeout",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Errorf builds an *Error of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a KindNotFound error for a resource.
func NotFound(resource, id string) *Error {
	return &Error{Kind: KindNotFound, Message: "not found", Resource: resource, ID: id}
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// IsNotFound is shorthand for IsKind(err, KindNotFound).
func IsNotFound(err error) bool {
	return IsKind(err, KindNotFound)
}
