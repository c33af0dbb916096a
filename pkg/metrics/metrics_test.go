package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordPush(t *testing.T) {
	before := testutil.ToFloat64(LivePushesTotal.WithLabelValues("direct", OutcomeDelivered))
	RecordPush("direct", OutcomeDelivered)
	assert.Equal(t, before+1, testutil.ToFloat64(LivePushesTotal.WithLabelValues("direct", OutcomeDelivered)))
}

func TestRecordStoreOperation(t *testing.T) {
	RecordStoreOperation("append", nil, 0.01)
	RecordStoreOperation("append", errors.New("down"), 0.02)

	assert.GreaterOrEqual(t, testutil.CollectAndCount(StoreOperationDuration), 2, "ok and error are separate series")
}

func TestWSConnections(t *testing.T) {
	before := testutil.ToFloat64(WSConnectionsActive)
	IncrementWSConnections()
	IncrementWSConnections()
	DecrementWSConnections()
	assert.Equal(t, before+1, testutil.ToFloat64(WSConnectionsActive))
}
