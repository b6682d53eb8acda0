// Package metadata holds the header map carried next to a message payload
// and the keys sagaflow reserves in it.
package metadata

// Reserved keys. Custom headers must not reuse them.
const (
	// KeyMessageKind names the registered kind of the payload.
	KeyMessageKind = "event_message_schema"
	// KeyCorrelationID names the saga instance a message belongs to.
	KeyCorrelationID = "correlation_id"
	// KeyMessageID duplicates the message id for transports that rewrite UUIDs.
	KeyMessageID = "message_id"
	// KeySenderID identifies the process that produced the message.
	KeySenderID = "sender_id"
	// KeyCreatedAt is the RFC 3339 time the message was appended to the outbox.
	KeyCreatedAt = "created_at"
)

// Metadata represents the headers carried alongside a message.
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

// Clone returns a shallow copy.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a copy containing key=value.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a copy containing every entry of entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// Kind returns the message kind header.
func (m Metadata) Kind() string { return m[KeyMessageKind] }

// CorrelationID returns the correlation id header.
func (m Metadata) CorrelationID() string { return m[KeyCorrelationID] }

// New constructs a Metadata map from alternating key/value pairs. A trailing
// key without value is ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
