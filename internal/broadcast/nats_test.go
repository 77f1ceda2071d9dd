package broadcast

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/nfcbridge/internal/api"
)

type fakePublisher struct {
	subjects []string
	payloads [][]byte
	err      error
	drained  bool
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func (f *fakePublisher) Drain() error {
	f.drained = true
	return nil
}

func TestNATSPublishesPerAction(t *testing.T) {
	pub := &fakePublisher{}
	n := NewNATS(pub, "", nil)

	n.Broadcast(api.PushMessage{Action: api.PushFillUID, UID: "04A2", Sequence: 3})
	n.Broadcast(api.PushMessage{Action: api.PushStateUpdate})

	assert.Equal(t, []string{"nfcbridge.push.fill-uid", "nfcbridge.push.state-update"}, pub.subjects)
	var msg api.PushMessage
	require.NoError(t, json.Unmarshal(pub.payloads[0], &msg))
	assert.Equal(t, "04A2", msg.UID)
	assert.Equal(t, int64(3), msg.Sequence)

	require.NoError(t, n.Close())
	assert.True(t, pub.drained)
}

func TestNATSPublishErrorIsSwallowed(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats: connection closed")}
	n := NewNATS(pub, "desk", nil)
	n.Broadcast(api.PushMessage{Action: api.PushFillUID})
	assert.Empty(t, pub.subjects)
	assert.Equal(t, "desk.fill-uid", n.Subject(api.PushFillUID))
}

type countingBroadcaster struct{ n int }

func (c *countingBroadcaster) Broadcast(api.PushMessage) { c.n++ }

func TestMultiFansOut(t *testing.T) {
	a, b := &countingBroadcaster{}, &countingBroadcaster{}
	Multi{a, nil, b}.Broadcast(api.PushMessage{Action: api.PushStateUpdate})
	assert.Equal(t, 1, a.n)
	assert.Equal(t, 1, b.n)
}
