package gpu

import (
	"testing"

	"github.com/fxnlabs/frame-upscaler/internal/graphics"
	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newStorageBuffer(t *testing.T, dev *graphics.SoftDevice, label string, size uint64) graphics.Buffer {
	t.Helper()
	buf, err := dev.CreateBuffer(graphics.BufferDesc{Label: label, Size: size, Usage: gputypes.BufferUsageStorage})
	require.NoError(t, err)
	return buf
}

func TestHostRuntime_Device(t *testing.T) {
	logger := zap.NewNop()
	adapter := graphics.NewSoftAdapter("test", "0000:01:00.0")

	t.Run("any adapter by default", func(t *testing.T) {
		rt := NewHostRuntime(logger)
		assert.True(t, rt.IsAvailable())
		id, err := rt.DeviceForAdapter(adapter)
		require.NoError(t, err)
		assert.Equal(t, DeviceID(0), id)

		major, minor, err := rt.ComputeCapability(id)
		require.NoError(t, err)
		assert.Equal(t, 8, major)
		assert.Equal(t, 6, minor)
	})

	t.Run("restricted bus id", func(t *testing.T) {
		rt := NewHostRuntime(logger, WithPCIBusID("0000:02:00.0"))
		_, err := rt.DeviceForAdapter(adapter)
		assert.ErrorIs(t, err, ErrNoDevice)
	})

	t.Run("device info", func(t *testing.T) {
		rt := NewHostRuntime(logger, WithCapability(7, 5), WithDeviceName("soft"))
		info, err := rt.DeviceInfo(0)
		require.NoError(t, err)
		assert.Equal(t, "soft", info.Name)
		assert.Equal(t, "7.5", info.ComputeCapability())
		assert.Equal(t, "host", info.RuntimeName)

		_, err = rt.DeviceInfo(3)
		assert.ErrorIs(t, err, ErrNoDevice)
	})

	t.Run("set device", func(t *testing.T) {
		rt := NewHostRuntime(logger)
		_, bound := rt.Device()
		assert.False(t, bound)
		require.NoError(t, rt.SetDevice(0))
		_, bound = rt.Device()
		assert.True(t, bound)
		assert.ErrorIs(t, rt.SetDevice(1), ErrNoDevice)
	})
}

func TestHostRuntime_MapUnmap(t *testing.T) {
	dev := graphics.NewSoftDevice(graphics.NewSoftAdapter("test", ""))
	rt := NewHostRuntime(zap.NewNop())

	in := newStorageBuffer(t, dev, "in", 64)
	out := newStorageBuffer(t, dev, "out", 256)
	defer in.Release()
	defer out.Release()

	regIn, err := rt.RegisterBuffer(in)
	require.NoError(t, err)
	regOut, err := rt.RegisterBuffer(out)
	require.NoError(t, err)
	assert.Equal(t, 2, rt.Registrations())

	require.NoError(t, rt.SetMapFlags(regIn, MapFlagsReadOnly))
	require.NoError(t, rt.SetMapFlags(regOut, MapFlagsWriteDiscard))
	flags, err := rt.Flags(regOut)
	require.NoError(t, err)
	assert.Equal(t, MapFlagsWriteDiscard, flags)

	_, err = rt.MappedRegion(regIn)
	assert.ErrorIs(t, err, ErrNotMapped)

	require.NoError(t, rt.MapResources(regIn, regOut))
	assert.Equal(t, 2, rt.Mapped())
	assert.ErrorIs(t, rt.MapResources(regIn), ErrMapped)
	assert.ErrorIs(t, rt.SetMapFlags(regIn, MapFlagsNone), ErrMapped)

	region, err := rt.MappedRegion(regOut)
	require.NoError(t, err)
	assert.Equal(t, 256, region.Size)
	assert.NotZero(t, region.Ptr)
	region.Bytes[0] = 0xAB
	assert.Equal(t, byte(0xAB), out.(graphics.HostVisible).HostBytes()[0])

	assert.ErrorIs(t, rt.Unregister(regIn), ErrMapped)

	require.NoError(t, rt.UnmapResources(regIn, regOut))
	assert.Equal(t, 0, rt.Mapped())
	assert.ErrorIs(t, rt.UnmapResources(regIn), ErrNotMapped)

	require.NoError(t, rt.Unregister(regIn))
	require.NoError(t, rt.Unregister(regOut))
	assert.Equal(t, 0, rt.Registrations())
	assert.ErrorIs(t, rt.Unregister(regIn), ErrNotRegistered)
}

func TestHostRuntime_MapIsAllOrNothing(t *testing.T) {
	dev := graphics.NewSoftDevice(graphics.NewSoftAdapter("test", ""))
	rt := NewHostRuntime(zap.NewNop())

	a := newStorageBuffer(t, dev, "a", 16)
	b := newStorageBuffer(t, dev, "b", 16)
	regA, err := rt.RegisterBuffer(a)
	require.NoError(t, err)
	regB, err := rt.RegisterBuffer(b)
	require.NoError(t, err)

	require.NoError(t, rt.MapResources(regB))
	assert.ErrorIs(t, rt.MapResources(regA, regB), ErrMapped)
	assert.Equal(t, 1, rt.Mapped())

	require.NoError(t, rt.UnmapResources(regB))
	b.Release()
	assert.ErrorIs(t, rt.MapResources(regA, regB), ErrBufferReleased)
	assert.Equal(t, 0, rt.Mapped())
}

func TestHostRuntime_UnregisterAfterRelease(t *testing.T) {
	dev := graphics.NewSoftDevice(graphics.NewSoftAdapter("test", ""))
	rt := NewHostRuntime(zap.NewNop())

	buf := newStorageBuffer(t, dev, "buf", 16)
	reg, err := rt.RegisterBuffer(buf)
	require.NoError(t, err)

	buf.Release()
	assert.ErrorIs(t, rt.Unregister(reg), ErrBufferReleased)
	assert.Equal(t, 0, rt.Registrations())

	_, err = rt.RegisterBuffer(buf)
	assert.ErrorIs(t, err, ErrBufferReleased)
}

type opaqueBuffer struct{ graphics.Buffer }

func TestHostRuntime_RegisterRequiresHostVisible(t *testing.T) {
	dev := graphics.NewSoftDevice(graphics.NewSoftAdapter("test", ""))
	rt := NewHostRuntime(zap.NewNop())
	buf := newStorageBuffer(t, dev, "buf", 16)
	defer buf.Release()

	_, err := rt.RegisterBuffer(opaqueBuffer{buf})
	assert.ErrorIs(t, err, ErrNotHostVisible)
}

func TestMapFlagsString(t *testing.T) {
	assert.Equal(t, "none", MapFlagsNone.String())
	assert.Equal(t, "read-only", MapFlagsReadOnly.String())
	assert.Equal(t, "write-discard", MapFlagsWriteDiscard.String())
	assert.Equal(t, "MapFlags(7)", MapFlags(7).String())
}
