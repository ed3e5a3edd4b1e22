package queue

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// Message type tags. Unrecognized tags are skipped, not errored, so older
// workers tolerate messages enqueued by newer code.
const (
	// TypeEcho asks the worker to finalize a task with an echoed text result
	// after the requested delay.
	TypeEcho = "task.echo"
)

// envelope is the tagged wire form of every queue message.
type envelope struct {
	Type string `json:"type"`
}

// EchoSpec describes one delayed-echo request.
type EchoSpec struct {
	Type    string `json:"type"`
	TaskID  string `json:"taskId"`
	Text    string `json:"text"`
	DelayMs int64  `json:"delayMs"`
}

// echoSchema validates incoming echo specs before they are persisted.
var echoSchema = &jsonschema.Schema{
	Type:     "object",
	Required: []string{"taskId", "text"},
	Properties: map[string]*jsonschema.Schema{
		"type":    {Type: "string"},
		"taskId":  {Type: "string"},
		"text":    {Type: "string"},
		"delayMs": {Type: "integer"},
	},
}

var resolveEchoSchema = sync.OnceValues(func() (*jsonschema.Resolved, error) {
	return echoSchema.Resolve(nil)
})

// validateEchoSpec checks spec against the echo schema.
func validateEchoSpec(spec EchoSpec) error {
	resolved, err := resolveEchoSchema()
	if err != nil {
		return fmt.Errorf("resolve echo schema: %w", err)
	}

	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal echo spec: %w", err)
	}

	var instance map[string]any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("unmarshal echo spec: %w", err)
	}

	if err := resolved.Validate(instance); err != nil {
		return fmt.Errorf("invalid echo spec: %w", err)
	}

	if spec.TaskID == "" || spec.Text == "" {
		return fmt.Errorf("echo spec requires a task id and text")
	}

	return nil
}
