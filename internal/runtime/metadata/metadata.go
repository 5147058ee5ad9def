package metadata

import (
	"strings"

	"github.com/drblury/eventcore/internal/runtime/jsoncodec"
)

// Metadata is the string map callers attach to events. It is stored as the
// opaque metadata column and travels on the bus inside the envelope.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// WithoutReserved drops every envelope header so caller metadata cannot
// spoof tenant or sequence information.
func (m Metadata) WithoutReserved() Metadata {
	cloned := make(Metadata, len(m))
	for k, v := range m {
		if IsReserved(k) {
			continue
		}
		cloned[k] = v
	}
	return cloned
}

// Encode serialises the map for the metadata column.
func (m Metadata) Encode() ([]byte, error) {
	return jsoncodec.EncodeMap(m)
}

// Decode parses bytes produced by Encode.
func Decode(data []byte) (Metadata, error) {
	m, err := jsoncodec.DecodeMap(data)
	if err != nil {
		return nil, err
	}
	return Metadata(m), nil
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// IsReserved reports whether key belongs to the envelope namespace.
func IsReserved(key string) bool {
	return strings.HasPrefix(key, ReservedPrefix)
}
