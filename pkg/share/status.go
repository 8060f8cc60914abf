package share

// Status is the lifecycle status of a share instance (and, by aggregation,
// of a share).
type Status string

const (
	StatusNew                            Status = "new"
	StatusCreating                       Status = "creating"
	StatusAvailable                      Status = "available"
	StatusError                          Status = "error"
	StatusDeleting                       Status = "deleting"
	StatusDeleted                        Status = "deleted"
	StatusErrorDeleting                  Status = "error_deleting"
	StatusExtending                      Status = "extending"
	StatusExtendingError                 Status = "extending_error"
	StatusShrinking                      Status = "shrinking"
	StatusShrinkingError                 Status = "shrinking_error"
	StatusShrinkingPossibleDataLossError Status = "shrinking_possible_data_loss_error"
	StatusManageStarting                 Status = "manage_starting"
	StatusManageError                    Status = "manage_error"
	StatusUnmanageStarting               Status = "unmanage_starting"
	StatusUnmanageError                  Status = "unmanage_error"
	StatusUnmanaged                      Status = "unmanaged"
	StatusInactive                       Status = "inactive"
	StatusMigrating                      Status = "migrating"
	StatusMigratingTo                    Status = "migrating_to"
	StatusReplicationChange              Status = "replication_change"
)

var allStatuses = map[Status]struct{}{
	StatusNew: {}, StatusCreating: {}, StatusAvailable: {}, StatusError: {},
	StatusDeleting: {}, StatusDeleted: {}, StatusErrorDeleting: {},
	StatusExtending: {}, StatusExtendingError: {}, StatusShrinking: {},
	StatusShrinkingError: {}, StatusShrinkingPossibleDataLossError: {},
	StatusManageStarting: {}, StatusManageError: {}, StatusUnmanageStarting: {},
	StatusUnmanageError: {}, StatusUnmanaged: {}, StatusInactive: {},
	StatusMigrating: {}, StatusMigratingTo: {}, StatusReplicationChange: {},
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	_, ok := allStatuses[s]
	return ok
}

// AccessRulesStatus tracks reconciliation of an instance's access rules.
type AccessRulesStatus string

const (
	AccessRulesActive           AccessRulesStatus = "active"
	AccessRulesOutOfSync        AccessRulesStatus = "out_of_sync"
	AccessRulesUpdating         AccessRulesStatus = "updating"
	AccessRulesUpdatingMultiple AccessRulesStatus = "updating_multiple"
	AccessRulesError            AccessRulesStatus = "error"
)

// IsValid reports whether s is a known access rules status.
func (s AccessRulesStatus) IsValid() bool {
	switch s {
	case AccessRulesActive, AccessRulesOutOfSync, AccessRulesUpdating,
		AccessRulesUpdatingMultiple, AccessRulesError:
		return true
	}
	return false
}

// ReplicaState is the replication role of an instance. Empty for shares
// without replication.
type ReplicaState string

const (
	ReplicaStateNone      ReplicaState = ""
	ReplicaStateActive    ReplicaState = "active"
	ReplicaStateInSync    ReplicaState = "in_sync"
	ReplicaStateOutOfSync ReplicaState = "out_of_sync"
	ReplicaStateError     ReplicaState = "error"
)

// IsValid reports whether s is a known replica state (including none).
func (s ReplicaState) IsValid() bool {
	switch s {
	case ReplicaStateNone, ReplicaStateActive, ReplicaStateInSync,
		ReplicaStateOutOfSync, ReplicaStateError:
		return true
	}
	return false
}

// TaskState marks the migration phase of a share. Empty means no task.
type TaskState string

const (
	TaskStateNone                      TaskState = ""
	TaskStateMigrationStarting         TaskState = "migration_starting"
	TaskStateMigrationInProgress       TaskState = "migration_in_progress"
	TaskStateMigrationDriverStarting   TaskState = "migration_driver_starting"
	TaskStateMigrationDriverInProgress TaskState = "migration_driver_in_progress"
	TaskStateMigrationDriverPhase1Done TaskState = "migration_driver_phase1_done"
	TaskStateMigrationCompleting       TaskState = "migration_completing"
	TaskStateMigrationSuccess          TaskState = "migration_success"
	TaskStateMigrationError            TaskState = "migration_error"
	TaskStateMigrationCancelled        TaskState = "migration_cancelled"
	TaskStateDataCopyingStarting       TaskState = "data_copying_starting"
	TaskStateDataCopyingInProgress     TaskState = "data_copying_in_progress"
	TaskStateDataCopyingCompleting     TaskState = "data_copying_completing"
	TaskStateDataCopyingCompleted      TaskState = "data_copying_completed"
	TaskStateDataCopyingCancelled      TaskState = "data_copying_cancelled"
	TaskStateDataCopyingError          TaskState = "data_copying_error"
)

var allTaskStates = map[TaskState]struct{}{
	TaskStateNone: {}, TaskStateMigrationStarting: {}, TaskStateMigrationInProgress: {},
	TaskStateMigrationDriverStarting: {}, TaskStateMigrationDriverInProgress: {},
	TaskStateMigrationDriverPhase1Done: {}, TaskStateMigrationCompleting: {},
	TaskStateMigrationSuccess: {}, TaskStateMigrationError: {},
	TaskStateMigrationCancelled: {}, TaskStateDataCopyingStarting: {},
	TaskStateDataCopyingInProgress: {}, TaskStateDataCopyingCompleting: {},
	TaskStateDataCopyingCompleted: {}, TaskStateDataCopyingCancelled: {},
	TaskStateDataCopyingError: {},
}

// IsValid reports whether t is a known task state.
func (t TaskState) IsValid() bool {
	_, ok := allTaskStates[t]
	return ok
}

// IsBusy reports whether a task is in flight. Terminal migration states
// are not busy: they are left for inspection and a new migration may start.
func (t TaskState) IsBusy() bool {
	switch t {
	case TaskStateNone, TaskStateMigrationSuccess, TaskStateMigrationError,
		TaskStateMigrationCancelled:
		return false
	}
	return true
}

// AccessState is the state of one access rule (or its per-instance mapping).
type AccessState string

const (
	AccessStateNew           AccessState = "new"
	AccessStateActive        AccessState = "active"
	AccessStateError         AccessState = "error"
	AccessStateQueuedToApply AccessState = "queued_to_apply"
	AccessStateQueuedToDeny  AccessState = "queued_to_deny"
)

// IsValid reports whether s is a known access state.
func (s AccessState) IsValid() bool {
	switch s {
	case AccessStateNew, AccessStateActive, AccessStateError,
		AccessStateQueuedToApply, AccessStateQueuedToDeny:
		return true
	}
	return false
}

// Protocol is the share export protocol.
type Protocol string

const (
	ProtocolNFS       Protocol = "NFS"
	ProtocolCIFS      Protocol = "CIFS"
	ProtocolGlusterFS Protocol = "GLUSTERFS"
	ProtocolHDFS      Protocol = "HDFS"
)

// IsValid reports whether p is a known protocol.
func (p Protocol) IsValid() bool {
	switch p {
	case ProtocolNFS, ProtocolCIFS, ProtocolGlusterFS, ProtocolHDFS:
		return true
	}
	return false
}

// AccessType is the kind of identity an access rule grants to.
type AccessType string

const (
	AccessTypeIP   AccessType = "ip"
	AccessTypeUser AccessType = "user"
	AccessTypeCert AccessType = "cert"
)

// IsValid reports whether t is a known access type.
func (t AccessType) IsValid() bool {
	switch t {
	case AccessTypeIP, AccessTypeUser, AccessTypeCert:
		return true
	}
	return false
}

// AccessLevel is the permission an access rule grants.
type AccessLevel string

const (
	AccessLevelRW AccessLevel = "rw"
	AccessLevelRO AccessLevel = "ro"
)

// IsValid reports whether l is a known access level.
func (l AccessLevel) IsValid() bool {
	return l == AccessLevelRW || l == AccessLevelRO
}
