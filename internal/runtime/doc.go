/*
Package runtime hosts sagas on top of Watermill transports.

# Architecture Overview

A Service ties together the pieces living in the sub-packages:

  - registry: the frozen map from message kind to the sagas accepting it
  - saga: definitions, instances and the runner executing one message
  - bus: the only way to produce messages, always through the outbox
  - outbox: the processor delivering staged messages and the cleaner
  - metrics, logging, config, serializer: ambient concerns

# Inbound path

Every message kind declared by a registered saga is a queue. A Subscriber
consumes one queue and hands each message through the middleware chain
(correlation, logging, tracing, metrics, retry, poison queue, recoverer)
to the Dispatcher. The Dispatcher decodes the payload with the kind
serializer, resolves the sagas declaring the kind and runs them
concurrently. A message is acked only when every saga committed; anything
else nacks it so the transport redelivers.

# Outbound path

Handlers and clients call Publish or Send. Both append to the outbox, in
the same unit of work as the saga state when called from a handler. The
outbox processor locks pending entries, publishes them on the topic named
after their kind and releases them.

# Lifecycle

Start runs the outbox loops, the subscribers and the HTTP endpoints
(metrics, introspection). AddSagas registers sagas on a live service and
subscribes only the queues that are new. Reconfigure toggles publish-only
mode, in which no subscriber runs. Stop drains subscribers before the
outbox loops.
*/
package runtime
