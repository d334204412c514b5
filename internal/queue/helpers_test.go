package queue

import (
	"time"

	"github.com/coremq-dev/coremq/internal/protocol"
)

func protocolMessage(queue string, sequence uint64, origin string) protocol.Message {
	return protocol.Message{
		Queue:     queue,
		Payload:   []byte(`{"replicated":true}`),
		Origin:    origin,
		Sequence:  sequence,
		Timestamp: time.Now().UnixMilli(),
	}
}
