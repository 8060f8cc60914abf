package migration

import (
	"fmt"
	"sort"
	"strings"

	"github.com/marmos91/dittoshare/pkg/share"
)

// transitions lists the task states each state may move to. Terminal
// states have no entry: only Start leaves them.
var transitions = map[share.TaskState][]share.TaskState{
	share.TaskStateMigrationStarting: {
		share.TaskStateMigrationInProgress,
		share.TaskStateMigrationDriverStarting,
		share.TaskStateMigrationError,
	},
	share.TaskStateMigrationInProgress: {
		share.TaskStateMigrationDriverStarting,
		share.TaskStateDataCopyingStarting,
		share.TaskStateMigrationError,
	},
	share.TaskStateMigrationDriverStarting: {
		share.TaskStateMigrationDriverInProgress,
		share.TaskStateDataCopyingStarting,
		share.TaskStateMigrationError,
	},
	share.TaskStateMigrationDriverInProgress: {
		share.TaskStateMigrationDriverPhase1Done,
		share.TaskStateMigrationCancelled,
		share.TaskStateMigrationError,
	},
	share.TaskStateMigrationDriverPhase1Done: {
		share.TaskStateMigrationCompleting,
		share.TaskStateMigrationCancelled,
		share.TaskStateMigrationError,
	},
	share.TaskStateDataCopyingStarting: {
		share.TaskStateDataCopyingInProgress,
		share.TaskStateDataCopyingError,
	},
	share.TaskStateDataCopyingInProgress: {
		share.TaskStateDataCopyingCompleting,
		share.TaskStateDataCopyingCancelled,
		share.TaskStateDataCopyingError,
	},
	share.TaskStateDataCopyingCompleting: {
		share.TaskStateDataCopyingCompleted,
		share.TaskStateDataCopyingError,
	},
	share.TaskStateDataCopyingCompleted: {
		share.TaskStateMigrationCompleting,
		share.TaskStateMigrationCancelled,
		share.TaskStateMigrationError,
	},
	share.TaskStateDataCopyingCancelled: {
		share.TaskStateMigrationCancelled,
		share.TaskStateMigrationError,
	},
	share.TaskStateDataCopyingError: {
		share.TaskStateMigrationError,
	},
	share.TaskStateMigrationCompleting: {
		share.TaskStateMigrationSuccess,
		share.TaskStateMigrationError,
	},
}

// IsTerminal reports whether t ends a migration.
func IsTerminal(t share.TaskState) bool {
	switch t {
	case share.TaskStateMigrationSuccess, share.TaskStateMigrationError, share.TaskStateMigrationCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a migration may move from one task state to
// another outside of Start.
func CanTransition(from, to share.TaskState) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

func checkTransition(shareID string, from, to share.TaskState) error {
	if CanTransition(from, to) {
		return nil
	}
	next := make([]string, 0, len(transitions[from]))
	for _, t := range transitions[from] {
		next = append(next, string(t))
	}
	sort.Strings(next)
	if from == share.TaskStateNone {
		from = "none"
	}
	return &share.Error{
		Kind:     share.KindInvalidState,
		Message:  fmt.Sprintf("task state cannot move from %s to %s (allowed: %s)", from, to, strings.Join(next, ", ")),
		Resource: "share",
		ID:       shareID,
	}
}
