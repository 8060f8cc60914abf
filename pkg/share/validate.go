package share

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var validate = validator.New()

// Validate checks an entity's struct tags and enum fields. It returns a
// KindInvalidInput error naming the first offending field.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			e := verrs[0]
			return Errorf(KindInvalidInput, "%s: validation failed on '%s' (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
		return Errorf(KindInvalidInput, "%v", err)
	}
	return validateEnums(v)
}

func validateEnums(v any) error {
	bad := func(field string, val any) error {
		return Errorf(KindInvalidInput, "invalid %s %q", field, fmt.Sprint(val))
	}
	switch e := v.(type) {
	case *Share:
		if !e.Protocol.IsValid() {
			return bad("protocol", e.Protocol)
		}
		if !e.TaskState.IsValid() {
			return bad("task_state", e.TaskState)
		}
	case *ShareInstance:
		if !e.Status.IsValid() {
			return bad("status", e.Status)
		}
		if !e.AccessRulesStatus.IsValid() {
			return bad("access_rules_status", e.AccessRulesStatus)
		}
		if !e.ReplicaState.IsValid() {
			return bad("replica_state", e.ReplicaState)
		}
	case *AccessRule:
		if !e.AccessType.IsValid() {
			return bad("access_type", e.AccessType)
		}
		if !e.AccessLevel.IsValid() {
			return bad("access_level", e.AccessLevel)
		}
		if !e.State.IsValid() {
			return bad("state", e.State)
		}
	case *InstanceAccessMapping:
		if !e.State.IsValid() {
			return bad("state", e.State)
		}
	case *Snapshot:
		if !e.Status.IsValid() {
			return bad("status", e.Status)
		}
	case *SnapshotInstance:
		if !e.Status.IsValid() {
			return bad("status", e.Status)
		}
	}
	return nil
}

// NewID returns a fresh entity identifier.
func NewID() string {
	return uuid.NewString()
}

// ShareOptions carries the caller-supplied attributes of a new share.
type ShareOptions struct {
	Name               string
	Description        string
	ProjectID          string
	UserID             string
	Size               int
	Protocol           Protocol
	ShareType          *ShareType
	SnapshotID         string
	ShareNetworkID     string
	ConsistencyGroupID string
	IsPublic           bool
	Metadata           map[string]string
}

// NewShare builds and validates a share.
func NewShare(opts ShareOptions, now time.Time) (*Share, error) {
	s := &Share{
		ID:                 NewID(),
		Name:               opts.Name,
		Description:        opts.Description,
		ProjectID:          opts.ProjectID,
		UserID:             opts.UserID,
		Size:               opts.Size,
		Protocol:           opts.Protocol,
		SnapshotID:         opts.SnapshotID,
		ShareNetworkID:     opts.ShareNetworkID,
		ConsistencyGroupID: opts.ConsistencyGroupID,
		IsPublic:           opts.IsPublic,
		Metadata:           opts.Metadata,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if opts.ShareType != nil {
		s.ShareTypeID = opts.ShareType.ID
		s.ReplicationType = opts.ShareType.ReplicationType()
	}
	if err := Validate(s); err != nil {
		return nil, err
	}
	return s, nil
}

// NewInstance builds and validates an instance of shareID in status creating.
func NewInstance(shareID, host, az, shareNetworkID string, now time.Time) (*ShareInstance, error) {
	inst := &ShareInstance{
		ID:                NewID(),
		ShareID:           shareID,
		Host:              host,
		Status:            StatusCreating,
		AccessRulesStatus: AccessRulesActive,
		AvailabilityZone:  az,
		ShareNetworkID:    shareNetworkID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := Validate(inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// NewAccessRule builds and validates a rule in state queued_to_apply.
func NewAccessRule(shareID string, accessType AccessType, accessTo string, level AccessLevel, now time.Time) (*AccessRule, error) {
	r := &AccessRule{
		ID:          NewID(),
		ShareID:     shareID,
		AccessType:  accessType,
		AccessTo:    accessTo,
		AccessLevel: level,
		State:       AccessStateQueuedToApply,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := Validate(r); err != nil {
		return nil, err
	}
	return r, nil
}

// NewMapping builds a queued_to_apply mapping of rule accessID onto instanceID.
func NewMapping(instanceID, accessID string, now time.Time) *InstanceAccessMapping {
	return &InstanceAccessMapping{
		ID:              NewID(),
		ShareInstanceID: instanceID,
		AccessID:        accessID,
		State:           AccessStateQueuedToApply,
		UpdatedAt:       now,
	}
}
