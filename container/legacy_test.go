package container_test

import (
	"testing"

	"github.com/bobuhiro11/govfio/container"
	"github.com/bobuhiro11/govfio/memory"
	"github.com/bobuhiro11/govfio/migration"
	"github.com/bobuhiro11/govfio/vfio"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestLegacySharesContainer(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.legacy.info = vfio.IOMMUInfo{
		Flags:       vfio.IOMMUInfoPgsizes,
		IOVAPgsizes: 0x1000 | 0x20_0000 | 0x4000_0000,
		Ranges: []vfio.Range{
			{Start: 0, End: 0xfedf_ffff},
			{Start: 0xfef0_0000, End: 0xffff_ffff_ffff},
		},
		HasDMAAvail: true,
		DMAAvail:    65000,
	}
	require.NoError(t, e.system.AddRegion(ram("ram", 0x10000, 0), 0))

	a := e.legacyDevice("0000:01:00.0", 7)
	require.NoError(t, e.s.Attach(e.system, a))

	want := []string{
		"open_group 7 100",
		"open_container 101",
		"set_container 100 101",
		"kvm_add 100",
		"map_dma 101 0x0 0x10000",
		"device_fd 100 0000:01:00.0 102",
	}
	if diff := cmp.Diff(want, e.rec.take()); diff != "" {
		t.Fatalf("first device (-want +got):\n%s", diff)
	}

	c := a.Container()
	assert.Equal(t, container.KindLegacy, c.Kind())
	assert.Equal(t, uint64(0x1000|0x20_0000|0x4000_0000), c.PageSizes())
	assert.Len(t, c.Windows(), 2)
	assert.Equal(t, 102, a.FD())

	b := e.legacyDevice("0000:01:00.1", 7)
	require.NoError(t, e.s.Attach(e.system, b))
	assert.Equal(t, []string{"device_fd 100 0000:01:00.1 103"}, e.rec.take())

	other := e.legacyDevice("0000:02:00.0", 8)
	require.NoError(t, e.s.Attach(e.system, other))
	assert.Equal(t, []string{
		"open_group 8 104",
		"set_container 104 101",
		"kvm_add 104",
		"device_fd 104 0000:02:00.0 105",
	}, e.rec.take())
	assert.Same(t, c, other.Container())

	require.NoError(t, e.s.Detach(a))
	assert.Equal(t, []string{"close 102"}, e.rec.take())

	require.NoError(t, e.s.Detach(b))
	assert.Equal(t, []string{
		"close 103",
		"kvm_del 100",
		"unset_container 100 101",
		"close 100",
	}, e.rec.take())

	require.NoError(t, e.s.Detach(other))
	assert.Equal(t, []string{
		"close 105",
		"kvm_del 104",
		"unset_container 104 101",
		"close 104",
		"unmap_dma 101 0x0 0x10000",
		"close 101",
	}, e.rec.take())

	assert.Empty(t, e.legacy.groups)
	assert.Empty(t, e.tracker.fds)
}

func TestLegacyGroupInTwoAddressSpaces(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	require.NoError(t, e.s.Attach(e.system, e.legacyDevice("0000:01:00.0", 7)))

	pci := memory.NewAddressSpace("pci")
	err := e.s.Attach(pci, e.legacyDevice("0000:01:00.1", 7))
	require.ErrorContains(t, err, "multiple address spaces")
	assert.Len(t, e.s.Spaces(), 1)
}

func TestLegacyGroupNotViable(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.legacy.notViable = true

	err := e.s.Attach(e.system, e.legacyDevice("0000:01:00.0", 9))
	require.ErrorContains(t, err, "not viable")
	assert.Equal(t, []string{"open_group 9 100", "close 100"}, e.rec.take())
	assert.Empty(t, e.s.Spaces())
}

func TestLegacyNoType1(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.legacy.noType1 = true

	err := e.s.Attach(e.system, e.legacyDevice("0000:01:00.0", 9))
	require.ErrorContains(t, err, "type1v2")
	assert.Empty(t, e.s.Spaces())
}

func TestLegacyMapBusyRetries(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	require.NoError(t, e.system.AddRegion(ram("ram", 0x10000, 0), 0))

	busy := true
	e.legacy.mapErr = func(uint64, uint64) error {
		if busy {
			busy = false

			return unix.EBUSY
		}

		return nil
	}

	require.NoError(t, e.s.Attach(e.system, e.legacyDevice("0000:01:00.0", 3)))
	assert.Equal(t, []string{
		"open_group 3 100",
		"open_container 101",
		"set_container 100 101",
		"kvm_add 100",
		"unmap_dma 101 0x0 0x10000",
		"map_dma 101 0x0 0x10000",
		"device_fd 100 0000:01:00.0 102",
	}, e.rec.take())
}

func TestLegacyDirtyBitmap(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.legacy.info = vfio.IOMMUInfo{
		Migration: &vfio.MigrationCap{PgsizeBitmap: 0x1000, MaxDirtyBitmapSize: 1 << 20},
	}
	require.NoError(t, e.system.AddRegion(ram("ram", 0x10000, 0x20000), 0))

	d := e.legacyDevice("0000:01:00.0", 5)
	d.Migratable = true
	require.NoError(t, e.s.Attach(e.system, d))

	c := d.Container()
	assert.True(t, c.DirtyPagesSupported())
	assert.True(t, c.Ops().Supports(container.FeatureLiveMigration))
	assert.False(t, c.Ops().Supports(container.FeatureDMACopy))

	e.s.Migration().SetStatus(migration.StatusActive)
	require.NoError(t, e.system.StartLogging())
	assert.True(t, e.legacy.dirty[101])

	e.legacy.bitmap = []uint64{1 << 3}
	e.system.Sync()

	assert.Equal(t, uint64(1), e.s.DirtyLog().Count())
	assert.True(t, e.s.DirtyLog().IsDirty(0x23000))

	e.system.StopLogging()
	assert.False(t, e.legacy.dirty[101])
}

func TestLegacyDirtyBitmapTooLarge(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.legacy.info = vfio.IOMMUInfo{
		// One word of bitmap, 64 pages.
		Migration: &vfio.MigrationCap{PgsizeBitmap: 0x1000, MaxDirtyBitmapSize: 8},
	}
	require.NoError(t, e.system.AddRegion(ram("ram", 0x100000, 0), 0))

	d := e.legacyDevice("0000:01:00.0", 5)
	d.Migratable = true
	require.NoError(t, e.s.Attach(e.system, d))

	e.s.Migration().SetStatus(migration.StatusActive)
	require.NoError(t, e.system.StartLogging())

	e.legacy.bitmap = []uint64{1, 1, 1, 1}
	e.system.Sync()

	require.ErrorIs(t, e.s.Migration().Err(), unix.E2BIG)
	assert.Zero(t, e.s.DirtyLog().Count())

	e.system.StopLogging()
}
