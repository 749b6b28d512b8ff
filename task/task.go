// Package task implements the Redis-backed queue asset workers consume.
//
// Each task lives as a hash under its own id key with the id indexed in a
// pending set. Workers claim a task by taking its lock key with SET NX and
// keep the claim alive with heartbeats; a lock that lapses returns the task
// to the pool, which is how work survives worker crashes.
package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Task types.
const (
	TypeAnalyze           = "analyze"
	TypeGenerateVariation = "generate_variation"
)

// Redis key layout.
const (
	// pendingKey indexes the ids of every queued task.
	pendingKey = "h51_asset_tasks"

	analyzePrefix   = "h51_analyze_task:"
	variationPrefix = "h51_generate_variation_task:"
	lockPrefix      = "h51_task_lock:"
)

// Task errors.
var (
	// ErrNotFound marks a task id with no record behind it.
	ErrNotFound = errors.New("task not found")
	// ErrMalformed marks a task record that failed schema validation.
	ErrMalformed = errors.New("malformed task")
	// ErrClaimLost marks a lock heartbeat on a claim no longer held.
	ErrClaimLost = errors.New("task claim lost")
	// ErrClaimed marks an attempt to claim a task another worker holds.
	ErrClaimed = errors.New("task already claimed")
)

// Task is one unit of asynchronous work against an asset.
type Task struct {
	// ID is the task's Redis key, prefixed by its type.
	ID string

	// Type is TypeAnalyze or TypeGenerateVariation.
	Type string

	// Account is the owning account id hex.
	Account string

	// AssetUID identifies the asset within the account.
	AssetUID string

	// NotifyURL is the caller supplied webhook for fire and forget
	// submissions, empty when the caller awaits the task instead.
	NotifyURL string

	// Payload carries the work. Analyze tasks hold an ordered list of
	// analyzer steps under "analyzers"; variation tasks map variation names
	// to their validated pipelines under "variations".
	Payload map[string]any

	// Created is the enqueue time as a unix timestamp.
	Created float64

	// AssignedTo is the id of the worker holding the task's claim, empty
	// while the task is unclaimed.
	AssignedTo string
}

// NewID mints a task id for the type.
func NewID(taskType string) string {
	prefix := analyzePrefix
	if taskType == TypeGenerateVariation {
		prefix = variationPrefix
	}
	return prefix + uuid.NewString()
}

// TypeOfID derives the task type from an id's prefix.
func TypeOfID(id string) (string, bool) {
	switch {
	case strings.HasPrefix(id, analyzePrefix):
		return TypeAnalyze, true
	case strings.HasPrefix(id, variationPrefix):
		return TypeGenerateVariation, true
	}
	return "", false
}

// recordSchema validates the task hash before a worker trusts it. Records
// that fail here are dropped as malformed instead of crashing the worker.
const recordSchema = `{
	"type": "object",
	"required": ["type", "account", "asset_uid", "payload", "created"],
	"properties": {
		"type": {"enum": ["analyze", "generate_variation"]},
		"account": {"type": "string", "pattern": "^[0-9a-f]{24}$"},
		"asset_uid": {"type": "string", "minLength": 1},
		"payload": {"type": "object"},
		"created": {"type": "number"}
	}
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(recordSchema))
	if err != nil {
		panic(fmt.Sprintf("parse task schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("task.json", doc); err != nil {
		panic(fmt.Sprintf("add task schema: %v", err))
	}
	return c.MustCompile("task.json")
}

// fromHash builds a task from its Redis hash, validating the record shape.
func fromHash(id string, fields map[string]string) (*Task, error) {
	var payload map[string]any
	if raw, ok := fields["payload"]; ok {
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return nil, fmt.Errorf("%w: bad payload: %v", ErrMalformed, err)
		}
	}

	record := map[string]any{
		"type":      fields["type"],
		"account":   fields["account"],
		"asset_uid": fields["asset_uid"],
		"payload":   payload,
	}
	var created float64
	if _, err := fmt.Sscanf(fields["created"], "%g", &created); err == nil {
		record["created"] = created
	}
	if err := compiledSchema.Validate(record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return &Task{
		ID:         id,
		Type:       fields["type"],
		Account:    fields["account"],
		AssetUID:   fields["asset_uid"],
		NotifyURL:  fields["notify_url"],
		Payload:    payload,
		Created:    created,
		AssignedTo: fields["assigned_to"],
	}, nil
}

func (t *Task) toHash() (map[string]any, error) {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal task payload: %w", err)
	}
	fields := map[string]any{
		"type":      t.Type,
		"account":   t.Account,
		"asset_uid": t.AssetUID,
		"payload":   string(payload),
		"created":   fmt.Sprintf("%f", t.Created),
	}
	if t.NotifyURL != "" {
		fields["notify_url"] = t.NotifyURL
	}
	return fields, nil
}
