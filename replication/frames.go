package replication

import (
	"time"

	"gardensync/relay"
)

// syncFrame wraps update bytes in a data channel frame. Updates are already
// JSON, so they embed as the payload directly.
func syncFrame(update []byte) ([]byte, error) {
	return relay.EncodeMessage(relay.Message{
		Type:    relay.MessageSync,
		Payload: update,
		TS:      time.Now().UnixMilli(),
	})
}

func fullStateFrame(snapshot []byte) ([]byte, error) {
	return relay.EncodeMessage(relay.Message{
		Type:    relay.MessageFullState,
		Payload: snapshot,
		TS:      time.Now().UnixMilli(),
	})
}
