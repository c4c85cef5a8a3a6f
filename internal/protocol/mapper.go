package protocol

// StreamMapper rewrites stream-level identity (name/namespace) or schema
// metadata as part of a catalog mapping pass.
type StreamMapper interface {
	MapStream(s ConfiguredStream) ConfiguredStream
}

// RecordMapper rewrites an individual message (typically a RECORD's data)
// as it leaves the source. Implementations must be stable: the same input
// must always produce the same output, with no hidden state relevant to
// correctness (spec.md §4.5).
type RecordMapper interface {
	MapMessage(msg Message) Message
}

// StreamMapperFunc adapts a function to StreamMapper.
type StreamMapperFunc func(ConfiguredStream) ConfiguredStream

func (f StreamMapperFunc) MapStream(s ConfiguredStream) ConfiguredStream { return f(s) }

// RecordMapperFunc adapts a function to RecordMapper.
type RecordMapperFunc func(Message) Message

func (f RecordMapperFunc) MapMessage(msg Message) Message { return f(msg) }

// Mapper composes an ordered list of stream and record mapping stages,
// applied once to the catalog before destination start and once per
// message leaving the source, respectively. Built the way the teacher
// composes independent numbered stages in executor.Executor.execute — each
// stage is a single, named responsibility run in sequence.
type Mapper struct {
	streamStages []StreamMapper
	recordStages []RecordMapper
}

// NewMapper builds a Mapper from the given stages, applied in order.
func NewMapper(streamStages []StreamMapper, recordStages []RecordMapper) *Mapper {
	return &Mapper{streamStages: streamStages, recordStages: recordStages}
}

// MapCatalog applies every stream stage, in order, to every stream in the
// catalog and returns the rewritten catalog. The input catalog is not
// mutated.
func (m *Mapper) MapCatalog(catalog ConfiguredCatalog) ConfiguredCatalog {
	out := catalog.Clone()
	for i, s := range out.Streams {
		for _, stage := range m.streamStages {
			s = stage.MapStream(s)
		}
		out.Streams[i] = s
	}
	return out
}

// MapMessage applies every record stage, in order, to msg.
func (m *Mapper) MapMessage(msg Message) Message {
	for _, stage := range m.recordStages {
		msg = stage.MapMessage(msg)
	}
	return msg
}

// NamespaceRewrite is a StreamMapper that rewrites every stream's namespace
// to a fixed value, e.g. to prefix destination namespaces per-connection.
type NamespaceRewrite struct {
	Namespace string
}

func (n NamespaceRewrite) MapStream(s ConfiguredStream) ConfiguredStream {
	s.Descriptor.Namespace = n.Namespace
	return s
}
