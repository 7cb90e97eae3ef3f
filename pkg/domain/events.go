package domain

import "time"

// EventType tags an execution lifecycle event.
type EventType string

const (
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventWarning   EventType = "warning"

	EventCompileStarted   EventType = "compile_started"
	EventCompileCompleted EventType = "compile_completed"
	EventCompileFailed    EventType = "compile_failed"
)

// ExecutionEvent is published on the event bus for every compile, execute,
// and stage transition. Events for a single execution id are delivered in
// emission order to every subscriber.
type ExecutionEvent struct {
	Type        EventType
	ExecutionID string
	EngineID    string
	Timestamp   time.Time

	// Completed events carry the result and duration.
	Result   *ExecutionResult
	Duration time.Duration

	// Failed events carry the error; warnings carry a message.
	Err     error
	Message string
}

// StartedEvent builds the lifecycle event emitted before a unit runs.
func StartedEvent(executionID, engineID string) ExecutionEvent {
	return ExecutionEvent{Type: EventStarted, ExecutionID: executionID, EngineID: engineID, Timestamp: time.Now()}
}

// CompletedEvent builds the lifecycle event emitted after a unit succeeds.
func CompletedEvent(executionID, engineID string, result ExecutionResult, d time.Duration) ExecutionEvent {
	return ExecutionEvent{
		Type:        EventCompleted,
		ExecutionID: executionID,
		EngineID:    engineID,
		Timestamp:   time.Now(),
		Result:      &result,
		Duration:    d,
	}
}

// FailedEvent builds the lifecycle event emitted when a unit fails.
func FailedEvent(executionID, engineID string, err error) ExecutionEvent {
	return ExecutionEvent{Type: EventFailed, ExecutionID: executionID, EngineID: engineID, Timestamp: time.Now(), Err: err}
}

// CompileStartedEvent builds the lifecycle event emitted before a source is
// compiled.
func CompileStartedEvent(executionID, engineID string) ExecutionEvent {
	return ExecutionEvent{Type: EventCompileStarted, ExecutionID: executionID, EngineID: engineID, Timestamp: time.Now()}
}

// CompileCompletedEvent builds the lifecycle event emitted after a successful
// compilation.
func CompileCompletedEvent(executionID, engineID string, d time.Duration) ExecutionEvent {
	return ExecutionEvent{
		Type:        EventCompileCompleted,
		ExecutionID: executionID,
		EngineID:    engineID,
		Timestamp:   time.Now(),
		Duration:    d,
	}
}

// CompileFailedEvent builds the lifecycle event emitted when compilation
// fails.
func CompileFailedEvent(executionID, engineID string, err error) ExecutionEvent {
	return ExecutionEvent{Type: EventCompileFailed, ExecutionID: executionID, EngineID: engineID, Timestamp: time.Now(), Err: err}
}

// WarningEvent builds a non-fatal advisory event.
func WarningEvent(executionID, message string) ExecutionEvent {
	return ExecutionEvent{Type: EventWarning, ExecutionID: executionID, Timestamp: time.Now(), Message: message}
}
