package metrics

// MigrationMetrics observes share migrations.
type MigrationMetrics interface {
	// RecordTransition counts a task_state transition.
	RecordTransition(from, to string)

	// SetActiveSessions reports the number of open migration sessions.
	SetActiveSessions(count int)
}

// NewNoopMigrationMetrics returns a MigrationMetrics that records nothing.
func NewNoopMigrationMetrics() MigrationMetrics {
	return noopMigrationMetrics{}
}

type noopMigrationMetrics struct{}

func (noopMigrationMetrics) RecordTransition(string, string) {}
func (noopMigrationMetrics) SetActiveSessions(int)           {}
