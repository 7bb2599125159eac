package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sig "github.com/banshee-data/laneflow/internal/signal"
)

type captureEmitter struct{ batches [][]sig.Command }

func (c *captureEmitter) Emit(_ context.Context, cmds []sig.Command) error {
	c.batches = append(c.batches, cmds)
	return nil
}

func TestParseCommand(t *testing.T) {
	cmd, err := parseCommand("lane_3", "yellow", true)
	require.NoError(t, err)
	assert.Equal(t, sig.Command{Lane: "lane_3", Color: sig.Yellow, Activate: true}, cmd)

	_, err = parseCommand("lane_3", "blue", true)
	assert.Error(t, err)
}

func TestRunCycle(t *testing.T) {
	e := &captureEmitter{}
	heads := sig.HeadMap{"lane_1": "north", "lane_2": "south"}

	require.NoError(t, runCycle(context.Background(), e, heads, 2, 0))
	require.Len(t, e.batches, 6)

	first := e.batches[0]
	assert.Len(t, first, 6)
	for _, c := range first {
		assert.Equal(t, c.Color == sig.Green, c.Activate, "%+v", c)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, runCycle(ctx, &captureEmitter{}, heads, 1, 0), context.Canceled)
}
