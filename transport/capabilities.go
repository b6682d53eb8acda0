package transport

// Capabilities describes the delivery guarantees a transport offers to saga
// handlers. The service reports them through introspection and warns at
// startup when failed messages cannot be redelivered by the broker.
type Capabilities struct {
	Name string `json:"name"`

	// Durable transports keep messages across process restarts.
	Durable bool `json:"durable"`
	// SupportsAck means a handled message is removed only after Ack.
	SupportsAck bool `json:"supports_ack"`
	// SupportsNack means a Nack leads to redelivery.
	SupportsNack bool `json:"supports_nack"`
	// SupportsOrdering means messages of one queue arrive in publish order.
	SupportsOrdering bool `json:"supports_ordering"`
	// SupportsFanOut means every subscriber group receives its own copy.
	SupportsFanOut bool `json:"supports_fan_out"`

	// MaxMessageSize in bytes, 0 when unlimited or unknown.
	MaxMessageSize int64 `json:"max_message_size,omitempty"`
}

// Redelivers reports whether a failed handler gets the message again.
func (c Capabilities) Redelivers() bool {
	return c.SupportsAck && c.SupportsNack
}

// Capability sets of the built-in transports.
var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
		SupportsFanOut:   true,
	}

	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		Durable:          true,
		SupportsAck:      true,
		SupportsOrdering: true,
		SupportsFanOut:   true,
		MaxMessageSize:   1 << 20,
	}

	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		Durable:          true,
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
	}

	NATSCapabilities = Capabilities{
		Name:           "nats",
		SupportsFanOut: true,
		MaxMessageSize: 1 << 20,
	}

	AWSCapabilities = Capabilities{
		Name:           "aws",
		Durable:        true,
		SupportsAck:    true,
		SupportsNack:   true,
		SupportsFanOut: true,
		MaxMessageSize: 256 << 10,
	}

	HTTPCapabilities = Capabilities{
		Name: "http",
	}
)

// GetCapabilities returns the capabilities registered for a transport name in
// the default registry.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
