// Package transports registers every built-in transport with the default
// registry. Import it for side effects when the transport is chosen through
// config:
//
//	import _ "github.com/drblury/sagaflow/transport/transports"
package transports

import (
	_ "github.com/drblury/sagaflow/transport/aws"
	_ "github.com/drblury/sagaflow/transport/channel"
	_ "github.com/drblury/sagaflow/transport/http"
	_ "github.com/drblury/sagaflow/transport/kafka"
	_ "github.com/drblury/sagaflow/transport/nats"
	_ "github.com/drblury/sagaflow/transport/rabbitmq"
)
