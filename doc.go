// Package sagaflow orchestrates long-running business processes as sagas on
// top of Watermill. A saga is declared as data: the message kinds that start
// it, the kinds it handles and the handler bound to each. The Service routes
// every inbound message to the sagas declaring its kind, loads or creates the
// saga state keyed by the message's correlation id and commits the new state
// together with every message the handler produced.
//
// A minimal setup declares the messages and a state, builds a Definition,
// registers it on a Service and calls Run:
//
//	type OrderState struct {
//		sagaflow.StateBase
//		Total int `json:"total"`
//	}
//
//	def := sagaflow.NewDefinition("order", func(id string) *OrderState {
//		return &OrderState{StateBase: sagaflow.StateBase{ID: id}}
//	})
//	_ = sagaflow.StartedBy(def, func(ctx context.Context, s *sagaflow.Instance[*OrderState], m *OrderPlaced) error {
//		s.State.Total = m.Total
//		return s.Publish(ctx, &PaymentRequested{MessageBase: sagaflow.NewMessageBase(m.CorrelationID), Amount: m.Total})
//	})
//
// # Outbox
//
// Nothing is published directly. Handlers and clients stage messages in the
// outbox through Publish or Send, and a background processor delivers them
// on the topic named after their kind. Delivery is at least once; a saga
// instance drops a message id it has already handled.
//
// # Transports
//
// The transport is read from Config.PubSubSystem:
//   - channel: in-memory Go channels for tests and single-process setups
//   - kafka: partitions by correlation id so an instance sees its messages in order
//   - rabbitmq: durable queues named after the kind and the client group
//   - nats: core NATS with queue groups
//   - aws: SNS topics with one SQS queue per client group
//   - http: one route per message kind
//
// # Persistence
//
// Saga state and the outbox share one backend, read from
// Config.PersistenceSystem: memory, sqlite, postgres or mongo. State writes
// use optimistic versioning; a handler losing a race is rerun on the fresh
// state.
//
// # Middleware
//
// The default middleware chain covers correlation ids, structured logging,
// OpenTelemetry tracing, Prometheus metrics, retry with exponential backoff,
// poison queue forwarding and panic recovery. Custom middleware and
// JobHooks can be added via ServiceDependencies.
package sagaflow
