// Package envelope defines the task message exchanged between publishers and
// workers. The wire form is a JSON object with exactly two fields, task_id and
// description, and is shared with publishers written in other languages.
package envelope

import (
	"fmt"
	"math"
	"unicode/utf8"

	errspkg "github.com/SoundOrion/JobFlow2/internal/runtime/errors"
	"github.com/SoundOrion/JobFlow2/internal/runtime/jsoncodec"
)

// Task is a unit of work. It is a value type; copies never share state.
// Publishers in other languages hold task_id in a 32-bit signed integer, so
// TaskID must stay within math.MinInt32 and math.MaxInt32.
type Task struct {
	TaskID      int64  `json:"task_id"`
	Description string `json:"description"`
}

// New returns a task envelope.
func New(taskID int64, description string) Task {
	return Task{TaskID: taskID, Description: description}
}

// wireTask distinguishes missing or null fields from zero values.
type wireTask struct {
	TaskID      *int64  `json:"task_id"`
	Description *string `json:"description"`
}

// Encode serializes the task. Field order is fixed, so equal tasks always
// encode to identical bytes. A task id outside the 32-bit range or a
// description that is not valid UTF-8 is rejected with ErrInvalidTask
// rather than altered on the way out.
func Encode(t Task) ([]byte, error) {
	if err := validate(t); err != nil {
		return nil, fmt.Errorf("encode task %d: %w", t.TaskID, err)
	}
	data, err := jsoncodec.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode task %d: %w", t.TaskID, err)
	}
	return data, nil
}

// Decode parses a payload produced by Encode or any compatible publisher.
// Every failure wraps ErrMalformedEnvelope; retrying cannot fix such payloads.
func Decode(data []byte) (Task, error) {
	var w wireTask
	if err := jsoncodec.Unmarshal(data, &w); err != nil {
		return Task{}, fmt.Errorf("%w: %v", errspkg.ErrMalformedEnvelope, err)
	}
	if w.TaskID == nil {
		return Task{}, fmt.Errorf("%w: task_id is missing", errspkg.ErrMalformedEnvelope)
	}
	if w.Description == nil {
		return Task{}, fmt.Errorf("%w: description is missing", errspkg.ErrMalformedEnvelope)
	}
	task := Task{TaskID: *w.TaskID, Description: *w.Description}
	if err := validate(task); err != nil {
		return Task{}, fmt.Errorf("%w: %w", errspkg.ErrMalformedEnvelope, err)
	}
	return task, nil
}

func validate(t Task) error {
	if t.TaskID < math.MinInt32 || t.TaskID > math.MaxInt32 {
		return fmt.Errorf("%w: task_id %d is outside the 32-bit range", errspkg.ErrInvalidTask, t.TaskID)
	}
	if !utf8.ValidString(t.Description) {
		return fmt.Errorf("%w: description is not valid UTF-8", errspkg.ErrInvalidTask)
	}
	return nil
}
