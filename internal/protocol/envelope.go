package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Version is the protocol major version. Peers reject envelopes whose major
// version differs.
const Version = "1"

type Kind string

const (
	KindTaskRequest        Kind = "task_request"
	KindTaskResult         Kind = "task_result"
	KindTaskError          Kind = "task_error"
	KindCapabilityQuery    Kind = "capability_query"
	KindCapabilityResponse Kind = "capability_response"
	KindTaskCancel         Kind = "task_cancel"
)

func (k Kind) valid() bool {
	switch k {
	case KindTaskRequest, KindTaskResult, KindTaskError,
		KindCapabilityQuery, KindCapabilityResponse, KindTaskCancel:
		return true
	}
	return false
}

type Role string

const (
	RoleRouter  Role = "router"
	RoleData    Role = "data"
	RoleSupport Role = "support"
	RoleClient  Role = "client"
)

type Envelope struct {
	Version   string          `json:"version"`
	Kind      Kind            `json:"kind"`
	TaskID    string          `json:"task_id,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Sender    Role            `json:"sender"`
	Attempt   int             `json:"attempt,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     *Error          `json:"error,omitempty"`
}

// NewEnvelope builds an envelope of the given kind with payload marshalled
// to JSON. A nil payload leaves Payload empty.
func NewEnvelope(kind Kind, sender Role, taskID string, payload any) (Envelope, error) {
	env := Envelope{
		Version: Version,
		Kind:    kind,
		TaskID:  taskID,
		Sender:  sender,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		env.Payload = data
	}
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Kind)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// Reply builds a response envelope that mirrors the task and request
// identifiers of e.
func (e Envelope) Reply(kind Kind, sender Role, payload any) (Envelope, error) {
	reply, err := NewEnvelope(kind, sender, e.TaskID, payload)
	if err != nil {
		return Envelope{}, err
	}
	reply.RequestID = e.RequestID
	reply.Attempt = e.Attempt
	return reply, nil
}

// ErrorReply builds a task_error reply to e. The payload is optional and is
// dropped if it cannot be marshalled.
func (e Envelope) ErrorReply(sender Role, perr *Error, payload any) Envelope {
	reply, err := e.Reply(KindTaskError, sender, payload)
	if err != nil {
		reply, _ = e.Reply(KindTaskError, sender, nil)
	}
	reply.Error = perr
	return reply
}

// Validate checks the version and kind of an incoming envelope.
func (e Envelope) Validate() error {
	major, _, _ := strings.Cut(e.Version, ".")
	if major != Version {
		return Validation(CodeUnsupportedVersion, fmt.Sprintf("unsupported protocol version %q", e.Version))
	}
	if !e.Kind.valid() {
		return Validation(CodeMalformed, fmt.Sprintf("unknown message kind %q", e.Kind))
	}
	switch e.Kind {
	case KindTaskRequest, KindTaskResult, KindTaskError, KindTaskCancel:
		if e.TaskID == "" {
			return Validation(CodeMalformed, fmt.Sprintf("%s envelope without task_id", e.Kind))
		}
	}
	if e.Kind == KindTaskError && e.Error == nil {
		return Validation(CodeMalformed, "task_error envelope without error detail")
	}
	return nil
}
