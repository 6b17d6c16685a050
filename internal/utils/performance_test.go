package utils

import (
	"bytes"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestOperationTimer_WarnsWhenSlow(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf).Level(zerolog.DebugLevel)

	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }

	done := operationTimer("upload", time.Second, log, now)
	clock = clock.Add(2 * time.Second)
	d := done()

	assert.Equal(t, 2*time.Second, d)
	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), `"operation":"upload"`)
}

func TestOperationTimer_DebugWhenFast(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf).Level(zerolog.DebugLevel)

	d := OperationTimer("save", 0, log)()

	assert.Less(t, d, SlowOperation)
	assert.Contains(t, buf.String(), `"level":"debug"`)
}
