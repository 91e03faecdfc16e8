package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event names one kind of frame exchanged between a node and the broker
type Event string

const (
	EventIdentify     Event = "identify"
	EventSetRole      Event = "set-role"
	EventRequestJob   Event = "request-job"
	EventJobOffer     Event = "job-offer"
	EventJobComplete  Event = "job-complete"
	EventFinished     Event = "finished"
	EventBuildOut     Event = "build-out"
	EventBuildErr     Event = "build-err"
	EventRunOut       Event = "run-out"
	EventRunErr       Event = "run-err"
	EventFileChunk    Event = "file-chunk"
	EventFilesDone    Event = "files-done"
	EventListWorkers  Event = "list-workers"
	EventPeerVanished Event = "peer-vanished"
	EventAck          Event = "ack"
)

// OutputEvents are the job output streams a worker sends back to its delegator
var OutputEvents = []Event{EventBuildOut, EventBuildErr, EventRunOut, EventRunErr}

// IsOutput reports whether e is one of the job output streams
func (e Event) IsOutput() bool {
	switch e {
	case EventBuildOut, EventBuildErr, EventRunOut, EventRunErr:
		return true
	}
	return false
}

// Frame is the envelope for every message on a node connection.
// A frame carrying Seq expects a reply frame with ReplyTo set to the same value.
type Frame struct {
	Event   Event           `json:"event"`
	Seq     uint64          `json:"seq,omitempty"`
	ReplyTo uint64          `json:"reply_to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Err     string          `json:"err,omitempty"`
	Code    string          `json:"code,omitempty"`
}

// NewFrame builds a frame, encoding payload as JSON. A nil payload leaves Payload empty;
// a json.RawMessage payload is carried verbatim.
func NewFrame(event Event, payload any) (*Frame, error) {
	f := &Frame{Event: event}
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		f.Payload = p
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, WrapError(ErrCodeInternal, fmt.Sprintf("failed to encode %s payload", event), err)
		}
		f.Payload = data
	}
	return f, nil
}

// Reply builds the acknowledgement for f. A non-nil err is carried as Err and Code.
func (f *Frame) Reply(payload any, err error) (*Frame, error) {
	r, encErr := NewFrame(EventAck, payload)
	if encErr != nil {
		return nil, encErr
	}
	r.ReplyTo = f.Seq
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			r.Code = e.Code
			r.Err = e.Message
			if e.Err != nil {
				r.Err += ": " + e.Err.Error()
			}
		} else {
			r.Code = ErrCodeInternal
			r.Err = err.Error()
		}
	}
	return r, nil
}

// ExpectsReply reports whether the sender is waiting for an acknowledgement
func (f *Frame) ExpectsReply() bool {
	return f.Seq != 0
}

// IsReply reports whether f answers an earlier frame. Only ack frames are replies; a
// reply_to on any other event is ignored.
func (f *Frame) IsReply() bool {
	return f.Event == EventAck && f.ReplyTo != 0
}

// Failed returns the error carried by a reply frame, if any
func (f *Frame) Failed() error {
	if f.Err == "" {
		return nil
	}
	code := f.Code
	if code == "" {
		code = ErrCodeInternal
	}
	return NewError(code, f.Err)
}

// Decode unmarshals the frame payload into v
func (f *Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return NewError(ErrCodeInvalidArgument, fmt.Sprintf("%s: missing payload", f.Event))
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return WrapError(ErrCodeInvalidArgument, fmt.Sprintf("%s: malformed payload", f.Event), err)
	}
	return nil
}

// IdentifyRequest is the payload of an identify frame
type IdentifyRequest struct {
	ID ID `json:"id,omitempty"`
}

// IdentifyResponse answers an identify frame
type IdentifyResponse struct {
	ID      ID   `json:"id"`
	Resumed bool `json:"resumed"`
}

// SetRoleRequest is the payload of a set-role frame
type SetRoleRequest struct {
	Role         Role          `json:"role"`
	Capabilities *Capabilities `json:"capabilities,omitempty"`
}

// Validate checks the role is known
func (r SetRoleRequest) Validate() error {
	if !r.Role.Valid() {
		return NewError(ErrCodeInvalidArgument, fmt.Sprintf("unknown role %q", r.Role))
	}
	return nil
}

// JobRequest is the payload of a request-job frame
type JobRequest struct {
	WorkerID  ID       `json:"worker_id"`
	FileNames []string `json:"file_names"`
}

// JobOffer is sent to the worker chosen by a delegator
type JobOffer struct {
	DelegatorID ID       `json:"delegator_id"`
	FileNames   []string `json:"file_names"`
}

// JobComplete is the optional payload of a job-complete frame
type JobComplete struct {
	Side Side `json:"side,omitempty"`
}

// Finished tells a node its peer ended the job
type Finished struct {
	PeerID ID `json:"peer_id"`
}

// PeerVanished tells a node its peer disconnected mid-job. Role is the side the
// vanished peer held in the pairing.
type PeerVanished struct {
	PeerID ID   `json:"peer_id"`
	Role   Side `json:"role"`
}
