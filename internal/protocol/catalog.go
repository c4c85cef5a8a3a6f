package protocol

import "encoding/json"

// SyncMode is the source-side replication strategy for a stream.
type SyncMode string

const (
	SyncModeFullRefresh SyncMode = "full_refresh"
	SyncModeIncremental SyncMode = "incremental"
)

// DestinationSyncMode is how the destination applies records for a stream.
type DestinationSyncMode string

const (
	DestSyncAppend      DestinationSyncMode = "append"
	DestSyncOverwrite   DestinationSyncMode = "overwrite"
	DestSyncAppendDedup DestinationSyncMode = "append_dedup"
)

// ConfiguredStream is one entry of a ConfiguredCatalog: a stream descriptor
// plus its schema, sync modes, and optional explicit field selection.
type ConfiguredStream struct {
	Descriptor          StreamDescriptor    `json:"stream_descriptor"`
	JSONSchema          json.RawMessage     `json:"json_schema"`
	SyncMode            SyncMode            `json:"sync_mode"`
	DestinationSyncMode DestinationSyncMode `json:"destination_sync_mode"`
	// SelectedFields, when non-nil, restricts RECORD payloads delivered to
	// the destination to these top-level field names. nil means "all
	// fields", distinct from an empty (but non-nil) slice which selects
	// none.
	SelectedFields []string `json:"selected_fields,omitempty"`
}

// ConfiguredCatalog is the ordered set of streams a sync will replicate.
type ConfiguredCatalog struct {
	Streams []ConfiguredStream `json:"streams"`
}

// Lookup returns the configured stream matching the given descriptor and
// whether it was found. A RECORD for a descriptor not in the catalog is a
// protocol violation (spec: reported, never fatal).
func (c ConfiguredCatalog) Lookup(d StreamDescriptor) (ConfiguredStream, bool) {
	for _, s := range c.Streams {
		if s.Descriptor == d {
			return s, true
		}
	}
	return ConfiguredStream{}, false
}

// Descriptors returns the stream descriptors in catalog order.
func (c ConfiguredCatalog) Descriptors() []StreamDescriptor {
	out := make([]StreamDescriptor, len(c.Streams))
	for i, s := range c.Streams {
		out[i] = s.Descriptor
	}
	return out
}

// Clone returns a deep-enough copy of the catalog for mapper rewrites — the
// stream slice and its SelectedFields slices are copied so mutating the
// clone never affects the input.
func (c ConfiguredCatalog) Clone() ConfiguredCatalog {
	out := ConfiguredCatalog{Streams: make([]ConfiguredStream, len(c.Streams))}
	copy(out.Streams, c.Streams)
	for i, s := range c.Streams {
		if s.SelectedFields != nil {
			sf := make([]string, len(s.SelectedFields))
			copy(sf, s.SelectedFields)
			out.Streams[i].SelectedFields = sf
		}
	}
	return out
}
