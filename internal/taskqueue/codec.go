package taskqueue

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// EncodeTask serializes a Task as JSON.
func EncodeTask(t Task) ([]byte, error) {
	data, err := sonic.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("taskqueue: encode task %q: %w", t.ID, err)
	}
	return data, nil
}

// DecodeTask is the inverse of EncodeTask.
func DecodeTask(data []byte) (*Task, error) {
	var t Task
	if err := sonic.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("taskqueue: decode task: %w", err)
	}
	return &t, nil
}
