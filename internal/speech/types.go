package speech

import "github.com/sjawhar/lea-avatar/internal/backend"

// Source says where an utterance came from.
type Source string

const (
	SourceText  Source = "text"
	SourceVoice Source = "voice"
)

// State is how an utterance resolved.
type State string

const (
	StateFinal     State = "final"
	StateInterrupt State = "interrupt"
	StateError     State = "error"
)

// TaskType selects verbatim rendering or a generated reply.
type TaskType string

const (
	TaskRepeat TaskType = backend.TaskTypeRepeat
	TaskChat   TaskType = backend.TaskTypeChat
)

// ParseTaskType maps free-form input onto a TaskType, defaulting to repeat.
func ParseTaskType(s string) TaskType {
	if s == string(TaskChat) {
		return TaskChat
	}
	return TaskRepeat
}

// Result is the outcome of one speak, talk or response call.
type Result struct {
	Value      string  `json:"value"`
	Source     Source  `json:"source"`
	State      State   `json:"state"`
	DurationMS float64 `json:"duration_ms"`
	TaskID     string  `json:"task_id,omitempty"`
}

// StartFunc is invoked once the avatar is expected to have started rendering
// text for task.
type StartFunc func(task backend.Task, text string)

// Predicate reports whether the user's speech is still considered final.
// A nil Predicate always holds.
type Predicate func() bool

func (p Predicate) Holds() bool {
	return p == nil || p()
}

// Always is the predicate used for typed input.
func Always() bool { return true }
