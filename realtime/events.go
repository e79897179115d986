/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package realtime

import "encoding/json"

// Event types pushed by the backend over the sync channel. Unrecognized
// types are logged and dropped so new server-side types never break old
// clients.
const (
	EventConnectionEstablished = "connection.established"
	EventCallSignal            = "call.signal"
	EventCallCreated           = "call.created"
	EventCallUpdated           = "call.updated"
	EventRecordingCreated      = "recording.created"
	EventRecordingUpdated      = "recording.updated"
	EventTaskProgress          = "task.progress"
	EventTaskCompleted         = "task.completed"
	EventTaskFailed            = "task.failed"
	EventPong                  = "pong"
)

// recognizedTypes is the dispatch whitelist for incoming frames
var recognizedTypes = map[string]bool{
	EventConnectionEstablished: true,
	EventCallSignal:            true,
	EventCallCreated:           true,
	EventCallUpdated:           true,
	EventRecordingCreated:      true,
	EventRecordingUpdated:      true,
	EventTaskProgress:          true,
	EventTaskCompleted:         true,
	EventTaskFailed:            true,
	EventPong:                  true,
}

// Frame is a single message on the sync channel. Data is kept raw;
// consumers decode the payload for the types they care about.
type Frame struct {
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data,omitempty"`
	TrackingID string          `json:"trackingId,omitempty"`
	Timestamp  int64           `json:"timestamp,omitempty"`
}

// Handler is a function that handles a sync channel frame
type Handler func(frame *Frame)

// CallEventData is the payload of call.created and call.updated frames
type CallEventData struct {
	CallID    string `json:"callId"`
	State     string `json:"state"`
	Direction string `json:"direction,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
}

// RecordingEventData is the payload of recording.created and
// recording.updated frames
type RecordingEventData struct {
	RecordingID string `json:"recordingId"`
	CallID      string `json:"callId,omitempty"`
	Status      string `json:"status"`
	URL         string `json:"url,omitempty"`
}

// TaskEventData is the payload of task.progress, task.completed and
// task.failed frames
type TaskEventData struct {
	TaskID   string `json:"taskId"`
	Kind     string `json:"kind,omitempty"`
	Progress int    `json:"progress,omitempty"`
	Message  string `json:"message,omitempty"`
}
