package events

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOutboxDeliversInOrder(t *testing.T) {
	sink := NewMemorySink()
	ob := NewOutbox(zap.NewNop(), sink, 16)
	ob.Start()

	userID := uuid.New()
	ob.Audit(userID, "transfer.send", "100 USD to +254700000001")
	ob.Notify(userID, "transfer", "You sent 1.00 USD")
	ob.Flag(userID, "VELOCITY", "MEDIUM", "11 transfers in the last hour")
	ob.Stop()

	require.Len(t, sink.Events, 3)
	assert.NotNil(t, sink.Events[0].Audit)
	assert.Equal(t, "transfer.send", sink.Events[0].Audit.Action)
	assert.NotNil(t, sink.Events[1].Notification)
	assert.NotNil(t, sink.Events[2].FraudFlag)
	assert.Equal(t, "VELOCITY", sink.Events[2].FraudFlag.FlagType)
}

func TestOutboxDropsWhenFull(t *testing.T) {
	sink := NewMemorySink()
	// Worker never started, so the buffer is the only capacity.
	ob := NewOutbox(zap.NewNop(), sink, 2)

	userID := uuid.New()
	ob.Notify(userID, "a", "1")
	ob.Notify(userID, "b", "2")
	ob.Notify(userID, "c", "3") // dropped, buffer full

	ob.Start()
	ob.Stop()

	require.Len(t, sink.Events, 2)
	assert.Equal(t, "a", sink.Events[0].Notification.Kind)
	assert.Equal(t, "b", sink.Events[1].Notification.Kind)
}

func TestMemorySinkFlags(t *testing.T) {
	sink := NewMemorySink()
	ob := NewOutbox(zap.NewNop(), sink, 4)
	ob.Start()
	ob.Flag(uuid.New(), "STRUCTURING", "HIGH", "3 transfers between 900 and 1000 USD")
	ob.Stop()

	flags := sink.Flags()
	require.Len(t, flags, 1)
	assert.Equal(t, "HIGH", flags[0].Severity)
}
