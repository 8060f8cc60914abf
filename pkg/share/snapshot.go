package share

import "time"

// Snapshot is a point-in-time copy of a share.
type Snapshot struct {
	ID        string    `json:"id" validate:"required"`
	ShareID   string    `json:"share_id" validate:"required"`
	ProjectID string    `json:"project_id" validate:"required"`
	Name      string    `json:"name,omitempty"`
	Size      int       `json:"size" validate:"gt=0"`
	Status    Status    `json:"status" validate:"required"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SnapshotInstance is the snapshot of one share instance.
type SnapshotInstance struct {
	ID              string    `json:"id" validate:"required"`
	SnapshotID      string    `json:"snapshot_id" validate:"required"`
	ShareInstanceID string    `json:"share_instance_id" validate:"required"`
	Status          Status    `json:"status" validate:"required"`
	Progress        string    `json:"progress,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// CGSnapshotMember ties a share instance to a consistency group snapshot.
// A share with members cannot be deleted.
type CGSnapshotMember struct {
	ID              string    `json:"id" validate:"required"`
	CGSnapshotID    string    `json:"cgsnapshot_id" validate:"required"`
	ShareID         string    `json:"share_id" validate:"required"`
	ShareInstanceID string    `json:"share_instance_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}
