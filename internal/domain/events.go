package domain

import (
	"encoding/json"
	"fmt"
)

// Result statuses carried by ProcessResultEvent.
const (
	StatusDone   = "done"
	StatusFailed = "failed"
)

// Result attribute keys, set on the envelope so the result stream can be
// correlated to the processed object.
const (
	AttrBucket = "bucket"
	AttrName   = "name"
	AttrError  = "error"
	AttrReason = "reason"
)

// ProcessRequestEvent identifies an uploaded object awaiting processing.
type ProcessRequestEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

// Validate reports whether the event names an object.
func (e ProcessRequestEvent) Validate() error {
	if e.Bucket == "" || e.Name == "" {
		return fmt.Errorf("%w: process request needs bucket and name", ErrInvalidRequest)
	}
	return nil
}

// ProcessResultEvent is the outcome of one transform attempt.
type ProcessResultEvent struct {
	Status string `json:"status"`
}

// Marshal encodes the event in its wire form.
func (e ProcessRequestEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Marshal encodes the event in its wire form.
func (e ProcessResultEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeProcessRequest parses a request payload.
func DecodeProcessRequest(data []byte) (ProcessRequestEvent, error) {
	var ev ProcessRequestEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("%w: malformed process request: %v", ErrInvalidRequest, err)
	}
	return ev, ev.Validate()
}

// DecodeProcessResult parses a result payload.
func DecodeProcessResult(data []byte) (ProcessResultEvent, error) {
	var ev ProcessResultEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("malformed process result: %w", err)
	}
	if ev.Status == "" {
		return ev, fmt.Errorf("malformed process result: missing status")
	}
	return ev, nil
}
