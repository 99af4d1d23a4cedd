package gputest

import (
	"testing"

	"github.com/fxnlabs/frame-upscaler/internal/gpu"
	"github.com/fxnlabs/frame-upscaler/internal/graphics"
	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRuntime_FailNext(t *testing.T) {
	dev := graphics.NewSoftDevice(graphics.NewSoftAdapter("test", ""))
	buf, err := dev.CreateBuffer(graphics.BufferDesc{Label: "buf", Size: 16, Usage: gputypes.BufferUsageStorage})
	require.NoError(t, err)
	defer buf.Release()

	rt := New(gpu.NewHostRuntime(zap.NewNop()))
	var hooked []Op
	rt.OnEvent(func(e Event) { hooked = append(hooked, e.Op) })

	rt.FailNext(OpRegister, 1)
	_, err = rt.RegisterBuffer(buf)
	assert.ErrorIs(t, err, ErrInjected)

	reg, err := rt.RegisterBuffer(buf)
	require.NoError(t, err)
	require.NoError(t, rt.MapResources(reg))
	require.NoError(t, rt.UnmapResources(reg))
	require.NoError(t, rt.Unregister(reg))

	assert.Equal(t, 1, rt.Count(OpRegister))
	assert.Equal(t, []Op{OpRegister, OpRegister, OpMap, OpUnmap, OpUnregister}, hooked)
	events := rt.Events()
	require.Len(t, events, 5)
	assert.Equal(t, "buf", events[0].Label)
	assert.Equal(t, reg.Label(), events[2].Label)

	t.Run("fail after", func(t *testing.T) {
		rt.FailAfter(OpMap, 1, 1)
		reg, err := rt.RegisterBuffer(buf)
		require.NoError(t, err)
		require.NoError(t, rt.MapResources(reg))
		require.NoError(t, rt.UnmapResources(reg))
		assert.ErrorIs(t, rt.MapResources(reg), ErrInjected)
		require.NoError(t, rt.MapResources(reg))
		require.NoError(t, rt.UnmapResources(reg))
		require.NoError(t, rt.Unregister(reg))
	})
}

func TestRuntime_Synchronize(t *testing.T) {
	rt := New(gpu.NewHostRuntime(zap.NewNop()))
	rt.FailNext(OpSynchronize, 1)
	assert.ErrorIs(t, rt.Synchronize(), ErrInjected)
	assert.NoError(t, rt.Synchronize())
	assert.Equal(t, 1, rt.Count(OpSynchronize))
	assert.Len(t, rt.Events(), 2)
}

func TestRuntime_OnEventFromHook(t *testing.T) {
	rt := New(gpu.NewHostRuntime(zap.NewNop()))
	var late []Op
	rt.OnEvent(func(e Event) {
		if e.Op == OpSynchronize && late == nil {
			late = []Op{}
			rt.OnEvent(func(e Event) { late = append(late, e.Op) })
		}
	})

	require.NoError(t, rt.Synchronize())
	assert.Empty(t, late, "hook added during an event sees only later events")
	require.NoError(t, rt.Synchronize())
	assert.Equal(t, []Op{OpSynchronize}, late)
}
