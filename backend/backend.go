// Package backend is the contract with the generative backend that proposes
// plan content, plus a chat-provider implementation and a scripted one.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
)

// Transform kinds understood by every backend.
const (
	TransformFixJSON = "fix-json"
	TransformRepair  = "repair-dependencies"
)

// ErrNoJSON is returned when a backend reply carries no JSON document.
var ErrNoJSON = errors.New("backend: reply contains no JSON document")

// Batch is a group of raw task documents yielded while a plan streams. Task
// documents are passed through unvalidated; a non-nil Err ends the stream.
type Batch struct {
	Tasks      []json.RawMessage
	Complexity string
	Err        error
}

// Backend proposes plan content and rewrites documents on request.
type Backend interface {
	// Plan streams task batches for prompt. The channel is closed when the
	// backend has nothing more to say.
	Plan(ctx context.Context, prompt string, rc map[string]any) (<-chan Batch, error)

	// Transform asks the backend to rewrite input according to kind and
	// returns a JSON document.
	Transform(ctx context.Context, kind string, input []byte) ([]byte, error)
}

// ExtractJSON returns the outermost JSON object or array in text, ignoring
// surrounding prose and code fences.
func ExtractJSON(text []byte) ([]byte, error) {
	start := bytes.IndexAny(text, "{[")
	if start < 0 {
		return nil, ErrNoJSON
	}
	closer := byte('}')
	if text[start] == '[' {
		closer = ']'
	}
	end := bytes.LastIndexByte(text, closer)
	if end < start {
		return nil, ErrNoJSON
	}
	doc := bytes.TrimSpace(text[start : end+1])
	if !json.Valid(doc) {
		return nil, ErrNoJSON
	}
	return doc, nil
}

// splitLine turns one line of backend output into a batch. A line holds a
// single task object, an array of task objects, or an envelope
// {"complexity": ..., "tasks": [...]}. Lines that do not start a JSON
// value are prose and yield ok == false.
func splitLine(line []byte) (b Batch, ok bool) {
	line = bytes.TrimSpace(line)
	line = bytes.TrimSuffix(line, []byte(","))
	if len(line) == 0 || (line[0] != '{' && line[0] != '[') {
		return Batch{}, false
	}
	if line[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(line, &items); err != nil {
			return Batch{Tasks: []json.RawMessage{cloneRaw(line)}}, true
		}
		return Batch{Tasks: items}, len(items) > 0
	}

	var envelope struct {
		Complexity string            `json:"complexity"`
		Tasks      []json.RawMessage `json:"tasks"`
	}
	if err := json.Unmarshal(line, &envelope); err == nil && (envelope.Tasks != nil || envelope.Complexity != "") {
		return Batch{Tasks: envelope.Tasks, Complexity: envelope.Complexity}, true
	}
	// Malformed documents are forwarded so the planner can repair them.
	return Batch{Tasks: []json.RawMessage{cloneRaw(line)}}, true
}

func cloneRaw(b []byte) json.RawMessage {
	return append(json.RawMessage(nil), b...)
}
