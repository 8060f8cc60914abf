package share

// ProgressReport is the progress of a migration or data copy.
type ProgressReport struct {
	TaskState     TaskState         `json:"task_state"`
	TotalProgress int               `json:"total_progress"`
	Details       map[string]string `json:"details,omitempty"`
}
