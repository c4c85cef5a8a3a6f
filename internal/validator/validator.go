// Package validator implements RecordSchemaValidator: validates each record
// against its stream's JSON schema and tracks violation samples and
// unexpected top-level field names.
package validator

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/airbyte/replication-worker/internal/protocol"
)

// maxCountedErrors bounds how many error-bearing records are recorded per
// stream in counted mode (spec.md §4.3).
const maxCountedErrors = 10

// streamValidator holds the compiled schema and accumulated violation state
// for one stream.
type streamValidator struct {
	schema     *jsonschema.Schema
	properties map[string]struct{} // top-level property names declared by the schema, for unexpected-field detection

	mu               sync.Mutex
	errorMessages    map[string]struct{}
	errorRecordCount int
	unexpectedFields map[string]struct{}
}

// Validator validates records against their stream's catalog schema in
// either counted or uncounted mode (spec.md §4.3). Safe for concurrent use:
// Loop A calls Validate from its single goroutine, but the accumulated
// state is read back by the engine after join, so access is still
// mutex-guarded per spec.md §9's design note.
type Validator struct {
	uncounted bool

	mu       sync.RWMutex
	byStream map[protocol.StreamDescriptor]*streamValidator
}

// New compiles one schema per catalog stream. uncounted selects between the
// counted (capped at 10 violating records/stream) and uncounted (no cap,
// still deduplicates messages) modes — spec.md's removeValidationLimit flag.
func New(catalog protocol.ConfiguredCatalog, uncounted bool) (*Validator, error) {
	v := &Validator{
		uncounted: uncounted,
		byStream:  make(map[protocol.StreamDescriptor]*streamValidator),
	}

	for _, s := range catalog.Streams {
		sv, err := newStreamValidator(s)
		if err != nil {
			return nil, fmt.Errorf("validator: stream %s: %w", s.Descriptor, err)
		}
		v.byStream[s.Descriptor] = sv
	}
	return v, nil
}

func newStreamValidator(s protocol.ConfiguredStream) (*streamValidator, error) {
	sv := &streamValidator{
		errorMessages:    make(map[string]struct{}),
		unexpectedFields: make(map[string]struct{}),
	}

	if len(s.JSONSchema) == 0 {
		return sv, nil
	}

	var raw any
	if err := json.Unmarshal(s.JSONSchema, &raw); err != nil {
		return nil, fmt.Errorf("invalid json schema: %w", err)
	}

	url := "mem://" + s.Descriptor.String()
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, raw); err != nil {
		return nil, fmt.Errorf("adding schema resource: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	sv.schema = schema

	if obj, ok := raw.(map[string]any); ok {
		if props, ok := obj["properties"].(map[string]any); ok {
			sv.properties = make(map[string]struct{}, len(props))
			for k := range props {
				sv.properties[k] = struct{}{}
			}
		}
	}

	return sv, nil
}

// Validate checks one record's data against its stream's schema and
// accumulates unexpected-field names. It is a no-op for streams with no
// declared schema or an unrecognized descriptor, and it never panics on
// malformed data: a payload that is not valid JSON is skipped without being
// recorded or logged.
func (v *Validator) Validate(d protocol.StreamDescriptor, data json.RawMessage) {
	v.mu.RLock()
	sv, ok := v.byStream[d]
	v.mu.RUnlock()
	if !ok {
		return
	}

	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return
	}

	if obj, ok := decoded.(map[string]any); ok && sv.properties != nil {
		sv.mu.Lock()
		for k := range obj {
			if _, known := sv.properties[k]; !known {
				sv.unexpectedFields[k] = struct{}{}
			}
		}
		sv.mu.Unlock()
	}

	if sv.schema == nil {
		return
	}

	sv.mu.Lock()
	defer sv.mu.Unlock()

	if !v.uncounted && sv.errorRecordCount >= maxCountedErrors {
		return
	}

	if err := sv.schema.Validate(decoded); err != nil {
		sv.errorMessages[err.Error()] = struct{}{}
		sv.errorRecordCount++
	}
}

// StreamResult summarizes one stream's accumulated validation state.
type StreamResult struct {
	ErrorMessages    []string `json:"errorMessages,omitempty"`
	ErrorRecordCount int      `json:"errorRecordCount"`
	UnexpectedFields []string `json:"unexpectedFields,omitempty"`
}

// Results returns a snapshot of every stream's validation and
// unexpected-field state, for the two end-of-run metrics spec.md §4.3
// describes.
func (v *Validator) Results() map[protocol.StreamDescriptor]StreamResult {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make(map[protocol.StreamDescriptor]StreamResult, len(v.byStream))
	for d, sv := range v.byStream {
		sv.mu.Lock()
		r := StreamResult{
			ErrorRecordCount: sv.errorRecordCount,
			ErrorMessages:    setKeys(sv.errorMessages),
			UnexpectedFields: setKeys(sv.unexpectedFields),
		}
		sv.mu.Unlock()
		out[d] = r
	}
	return out
}

func setKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
