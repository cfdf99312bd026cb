package channel

import (
	"fmt"
	"time"
)

// Slot directories inside the shared filesystem. The guest consumes from
// tasks/ and produces into results/.
const (
	taskSlot   = "tasks"
	resultSlot = "results"
)

// Channel is the disk-backed request/response path between host and guest:
// an ext4 image mounted briefly before boot to write the task, and again
// after the guest finishes to read the result. It is never mounted while the
// VM holds the block device.
type Channel struct {
	ImagePath  string
	MountPoint string
	SizeMB     int
}

// Task is the descriptor written into the inbound slot; the sole structured
// input the guest consumes.
type Task struct {
	TaskID      string    `json:"task_id"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Result is the descriptor the guest writes into the outbound slot. Every
// field beyond task_id and status is optional; absent fields never fail the
// read.
type Result struct {
	TaskID          string `json:"task_id"`
	Status          string `json:"status"`
	Output          string `json:"result,omitempty"`
	TaskDescription string `json:"task_description,omitempty"`
	GeneratedCode   string `json:"generated_code,omitempty"`
	Language        string `json:"language,omitempty"`
	Timestamp       any    `json:"timestamp,omitempty"`
	APIStatus       string `json:"api_status,omitempty"`
	SSLStatus       string `json:"ssl_status,omitempty"`
	PythonStatus    string `json:"python_status,omitempty"`
	OpenAIEndpoint  string `json:"openai_endpoint,omitempty"`

	// Host-side annotations added after the read.
	VMID    string `json:"vm_id,omitempty"`
	Warning string `json:"warning,omitempty"`
}

// Result status values reported by the guest.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// CreateError reports a failure to allocate, format, or populate the shared
// image. The VM must not be booted after one of these.
type CreateError struct {
	Step string
	Err  error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("create shared channel: %s: %v", e.Step, e.Err)
}

func (e *CreateError) Unwrap() error {
	return e.Err
}

// ParseError reports an outbound-slot file that exists but does not decode
// as a Result. Recoverable: the run ends failed, not crashed.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse result %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// TimeoutError reports that no outbound-slot file appeared before the
// deadline. Recoverable, same as ParseError.
type TimeoutError struct {
	TaskID string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no result descriptor for task %s before deadline", e.TaskID)
}
