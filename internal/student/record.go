// Package student implements the Student record state machine applied by Raft.
package student

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Record is a single student entry keyed by ID.
type Record struct {
	ID     int64   `json:"id"`
	Name   string  `json:"name"`
	Age    int32   `json:"age"`
	Gender string  `json:"gender"`
	Score  float64 `json:"score"`
}

// Op identifies a student mutation encoded in the Raft log.
type Op string

// Supported student mutations.
const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Command is the serialized mutation applied to the store.
//
// Create and Update carry the full Record; Delete carries only ID.
type Command struct {
	Op        Op      `json:"op"`
	Record    *Record `json:"record,omitempty"`
	ID        int64   `json:"id,omitempty"`
	RequestID string  `json:"request_id,omitempty"`
}

// Response is the outcome of applying one Command.
type Response struct {
	Success bool    `json:"success"`
	Message string  `json:"message,omitempty"`
	Data    *Record `json:"data,omitempty"`
}

// ErrInvalidCommand is returned when a command fails validation before it is
// submitted for replication.
var ErrInvalidCommand = errors.New("student: invalid command")

// Validate checks that the command is well formed for its Op.
func (c Command) Validate() error {
	switch c.Op {
	case OpCreate, OpUpdate:
		if c.Record == nil {
			return fmt.Errorf("%w: %s requires a record", ErrInvalidCommand, c.Op)
		}
	case OpDelete:
	default:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidCommand, c.Op)
	}
	return nil
}

// TargetID returns the record id the command operates on.
func (c Command) TargetID() int64 {
	if c.Record != nil {
		return c.Record.ID
	}
	return c.ID
}

// EncodeCommand serializes c for ClientWrite.
func EncodeCommand(c Command) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(c)
}

// DecodeResponse parses the bytes returned by Store.Apply.
func DecodeResponse(raw []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, fmt.Errorf("student: decode response: %w", err)
	}
	return resp, nil
}
