package broadcast

import "github.com/g960059/nfcbridge/internal/api"

// Broadcaster receives push messages.
type Broadcaster interface {
	Broadcast(msg api.PushMessage)
}

// Multi sends each message to every target in order.
type Multi []Broadcaster

func (m Multi) Broadcast(msg api.PushMessage) {
	for _, b := range m {
		if b != nil {
			b.Broadcast(msg)
		}
	}
}
