package metrics

import (
	"testing"

	"github.com/aristath/billsync/internal/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestCollectors_FollowEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	bus := events.NewBus(zerolog.Nop())
	detach := c.Attach(bus)
	defer detach()

	balance := 42.5
	bus.Emit("test", &events.PageFetchedData{Platform: "tianji", Account: "a", Page: 1, Records: 3})
	bus.Emit("test", &events.PageFetchedData{Platform: "tianji", Account: "a", Page: 2, Records: 2})
	bus.Emit("test", &events.PageFailedData{Platform: "miaoyue", Account: "b", Page: 1, Attempt: 1})
	bus.Emit("test", &events.AccountFinishedData{Platform: "tianji", Account: "a", Balance: &balance})
	bus.Emit("test", &events.AccountFinishedData{Platform: "miaoyue", Account: "b", Op: "login", Error: "denied"})
	bus.Emit("test", &events.RunFinishedData{RunID: "r", Duration: 3})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.PagesFetched.WithLabelValues("tianji")))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.RecordsFetched.WithLabelValues("tianji")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.PageFailures.WithLabelValues("miaoyue")))
	assert.Equal(t, 42.5, testutil.ToFloat64(c.Balance.WithLabelValues("tianji", "a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.AccountFailures.WithLabelValues("miaoyue", "login")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Runs))
}

func TestRecordAmbiguities_IgnoresZero(t *testing.T) {
	c := New(prometheus.NewRegistry())
	c.RecordAmbiguities("xiaotaifeng", 0)
	c.RecordAmbiguities("xiaotaifeng", 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.Ambiguities.WithLabelValues("xiaotaifeng")))
}
