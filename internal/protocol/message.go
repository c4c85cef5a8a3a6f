// Package protocol defines the Airbyte-style wire message model and the
// connector process wrappers (AirbyteSource / AirbyteDestination) that speak
// it over line-delimited JSON on a subprocess's stdin/stdout.
package protocol

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
)

// MessageType is the top-level discriminator of a connector protocol message.
type MessageType string

const (
	TypeRecord  MessageType = "RECORD"
	TypeState   MessageType = "STATE"
	TypeControl MessageType = "CONTROL"
	TypeTrace   MessageType = "TRACE"
	TypeLog     MessageType = "LOG"
	TypeSpec    MessageType = "SPEC"
	TypeCatalog MessageType = "CATALOG"
)

// ControlType discriminates the payload of a CONTROL message. Only
// ConnectorConfig carries information the engine consumes.
type ControlType string

const (
	ControlConnectorConfig ControlType = "CONNECTOR_CONFIG"
)

// TraceType discriminates the payload of a TRACE message.
type TraceType string

const (
	TraceError    TraceType = "ERROR"
	TraceEstimate TraceType = "ESTIMATE"
)

// StreamDescriptor identifies a logical table by name and an optional
// namespace. Equality is structural, so it is safe to use as a map key.
type StreamDescriptor struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace,omitempty"`
}

func (d StreamDescriptor) String() string {
	if d.Namespace == "" {
		return d.Name
	}
	return d.Namespace + "." + d.Name
}

// MarshalText lets StreamDescriptor serialize as a JSON object key (used by
// AttemptSummary.PerStream) instead of failing encoding/json's map-key rule.
func (d StreamDescriptor) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText parses the String/MarshalText form back into a descriptor.
// A namespace containing a literal "." is not round-trippable through this
// encoding; callers needing that should use the Namespace/Name fields
// directly rather than the map-key form.
func (d *StreamDescriptor) UnmarshalText(text []byte) error {
	s := string(text)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		d.Namespace, d.Name = s[:i], s[i+1:]
		return nil
	}
	d.Namespace, d.Name = "", s
	return nil
}

// RecordMessage carries one structured record emitted by the source.
type RecordMessage struct {
	Stream    string          `json:"stream"`
	Namespace string          `json:"namespace,omitempty"`
	Data      json.RawMessage `json:"data"`
	EmittedAt int64           `json:"emitted_at,omitempty"`
}

// Descriptor returns the stream identity this record belongs to.
func (r RecordMessage) Descriptor() StreamDescriptor {
	return StreamDescriptor{Name: r.Stream, Namespace: r.Namespace}
}

// StateType distinguishes a per-stream checkpoint from a connection-wide one.
type StateType string

const (
	StateStream StateType = "STREAM"
	StateGlobal StateType = "GLOBAL"
)

// StateMessage is an opaque checkpoint blob, optionally scoped to a stream.
type StateMessage struct {
	Type   StateType         `json:"type,omitempty"`
	Stream *StreamDescriptor `json:"stream,omitempty"`
	Data   json.RawMessage   `json:"data"`
}

// Descriptor returns the stream this state is scoped to, or the zero value
// for a global checkpoint.
func (s StateMessage) Descriptor() StreamDescriptor {
	if s.Stream == nil {
		return StreamDescriptor{}
	}
	return *s.Stream
}

// Hash returns a stable content hash used to match a source-emitted state
// against its later destination acknowledgement.
func (s StateMessage) Hash() (string, error) {
	canon, err := canonicalJSON(s.Data)
	if err != nil {
		return "", fmt.Errorf("protocol: hashing state: %w", err)
	}
	sum := sha256.Sum256(canon)
	return fmt.Sprintf("%x", sum), nil
}

// canonicalJSON re-marshals arbitrary JSON through a generic interface{} so
// that key order does not affect the resulting byte sequence.
func canonicalJSON(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("null"), nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// ControlMessage carries a connector-initiated control-plane event.
type ControlMessage struct {
	Type             ControlType       `json:"type"`
	ConnectorConfig  *ConnectorConfig  `json:"connectorConfig,omitempty"`
}

// ConnectorConfig is an updated configuration blob emitted by a connector,
// to be persisted by the caller for the next invocation.
type ConnectorConfig struct {
	Config json.RawMessage `json:"config"`
}

// TraceMessage carries error, log, or estimate telemetry from a connector.
type TraceMessage struct {
	Type  TraceType  `json:"type"`
	Error *TraceError `json:"error,omitempty"`
}

// TraceError is the payload of an error TRACE message.
type TraceError struct {
	Message         string `json:"message"`
	InternalMessage string `json:"internal_message,omitempty"`
	StackTrace      string `json:"stack_trace,omitempty"`
	FailureType     string `json:"failure_type,omitempty"`
}

// LogMessage is a free-form log line forwarded by a connector.
type LogMessage struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Message is the tagged-union envelope every line on a connector's
// stdout/stdin decodes into. Only the field matching Type is populated.
type Message struct {
	Type    MessageType     `json:"type"`
	Record  *RecordMessage  `json:"record,omitempty"`
	State   *StateMessage   `json:"state,omitempty"`
	Control *ControlMessage `json:"control,omitempty"`
	Trace   *TraceMessage   `json:"trace,omitempty"`
	Log     *LogMessage     `json:"log,omitempty"`
	Spec    json.RawMessage `json:"spec,omitempty"`
	Catalog json.RawMessage `json:"catalog,omitempty"`
}

// ByteSize approximates the wire size of a record, used for
// bytesEmitted accounting. It sums the length of the raw data payload.
func (m Message) ByteSize() int {
	if m.Record == nil {
		return 0
	}
	return len(m.Record.Data)
}
