package share

import "time"

// AccessRule grants an identity access to a share.
//
// State is the aggregate of the rule's per-instance mappings and is
// maintained by the access synchronizer; callers never set it directly
// after creation.
type AccessRule struct {
	ID          string      `json:"id" validate:"required"`
	ShareID     string      `json:"share_id" validate:"required"`
	AccessType  AccessType  `json:"access_type" validate:"required"`
	AccessTo    string      `json:"access_to" validate:"required,max=255"`
	AccessLevel AccessLevel `json:"access_level" validate:"required"`
	State       AccessState `json:"state" validate:"required"`
	AccessKey   string      `json:"access_key,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// SameTarget reports whether two rules grant to the same identity.
func (r *AccessRule) SameTarget(accessType AccessType, accessTo string) bool {
	return r.AccessType == accessType && r.AccessTo == accessTo
}

// InstanceAccessMapping tracks the state of one access rule on one instance.
type InstanceAccessMapping struct {
	ID              string      `json:"id" validate:"required"`
	ShareInstanceID string      `json:"share_instance_id" validate:"required"`
	AccessID        string      `json:"access_id" validate:"required"`
	State           AccessState `json:"state" validate:"required"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// IsPendingApply reports whether the mapping still has to be applied.
func (m *InstanceAccessMapping) IsPendingApply() bool {
	return m.State == AccessStateNew || m.State == AccessStateQueuedToApply
}

// AggregateAccessState folds per-instance mapping states into one rule
// state. Precedence: error, queued_to_deny, queued_to_apply, new, active.
// A rule without mappings is reported as new.
func AggregateAccessState(mappings []*InstanceAccessMapping) AccessState {
	if len(mappings) == 0 {
		return AccessStateNew
	}
	rank := map[AccessState]int{
		AccessStateActive:        0,
		AccessStateNew:           1,
		AccessStateQueuedToApply: 2,
		AccessStateQueuedToDeny:  3,
		AccessStateError:         4,
	}
	state := AccessStateActive
	for _, m := range mappings {
		if rank[m.State] > rank[state] {
			state = m.State
		}
	}
	return state
}
