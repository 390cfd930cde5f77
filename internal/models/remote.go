package models

import "encoding/json"

// Run states reported by a remote model worker on GET /run.
const (
	RunStatusRunning  = "running"
	RunStatusComplete = "complete"
	RunStatusError    = "error"
)

// Headers attached to requests sent to remote model workers.
const (
	HeaderRunID   = "X-Tremor-Run-ID"
	HeaderModelID = "X-Tremor-Model-ID"
)

// RunStatusResponse is the body a remote worker returns when polled.
type RunStatusResponse struct {
	Status string          `json:"status"`
	RunID  string          `json:"run_id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}
