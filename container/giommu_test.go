package container_test

import (
	"testing"

	"github.com/bobuhiro11/govfio/memory"
	"github.com/bobuhiro11/govfio/migration"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func viommu(t *testing.T, e *env) (*memory.Region, *memory.AddressSpace) {
	t.Helper()

	require.NoError(t, e.system.AddRegion(ram("ram", 0x10000, 0), 0))

	r := memory.NewIOMMU("viommu", 0x10000, e.system, 0xffff_f000)
	pci := memory.NewAddressSpace("pci")
	require.NoError(t, pci.AddRegion(r, 0x10_0000))

	return r, pci
}

func TestGuestIOMMUMirrorsTranslations(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	r, pci := viommu(t, e)
	tr := r.Translator

	tr.Map(memory.IOTLBEntry{IOVA: 0x1000, TranslatedAddr: 0x3000, AddrMask: 0xfff, Perm: memory.PermRW})

	d := e.device("0000:00:01.0")
	require.NoError(t, e.s.Attach(pci, d))
	assert.Equal(t, uint64(pageSize), tr.PageSizeMask())
	assert.Contains(t, e.s.Migration().Blockers(), "Migration is currently not supported with vIOMMU enabled")

	tr.Map(memory.IOTLBEntry{IOVA: 0x2000, TranslatedAddr: 0x4000, AddrMask: 0xfff, Perm: memory.PermRO})

	want := map[uint64]mapping{
		0x10_1000: {IOVA: 0x10_1000, Size: 0x1000, VAddr: hostBase + 0x3000},
		0x10_2000: {IOVA: 0x10_2000, Size: 0x1000, VAddr: hostBase + 0x4000, ReadOnly: true},
	}
	if diff := cmp.Diff(want, e.be.mappings(1)); diff != "" {
		t.Fatalf("mappings (-want +got):\n%s", diff)
	}

	require.True(t, tr.Unmap(0x1000))
	assert.NotContains(t, e.be.mappings(1), uint64(0x10_1000))

	// Translations outside host RAM cannot be mapped.
	tr.Map(memory.IOTLBEntry{IOVA: 0x5000, TranslatedAddr: 0x8000_0000, AddrMask: 0xfff, Perm: memory.PermRW})
	assert.NotContains(t, e.be.mappings(1), uint64(0x10_5000))

	e.rec.take()
	require.NoError(t, e.s.Detach(d))
	assert.Contains(t, e.rec.take(), "unmap 1 0x100000 0x10000")

	// The notifier is gone with the container.
	tr.Map(memory.IOTLBEntry{IOVA: 0x6000, TranslatedAddr: 0x6000, AddrMask: 0xfff, Perm: memory.PermRW})
	assert.Empty(t, e.rec.take())
	assert.Empty(t, e.s.Migration().Blockers())
}

func TestGuestIOMMUWrongTarget(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	r, pci := viommu(t, e)

	d := e.device("0000:00:02.0")
	d.Migratable = true
	require.NoError(t, e.s.Attach(pci, d))

	e.s.Migration().SetStatus(migration.StatusActive)

	other := memory.NewAddressSpace("other")
	r.Translator.Map(memory.IOTLBEntry{
		TargetAS:       other,
		IOVA:           0x1000,
		TranslatedAddr: 0x1000,
		AddrMask:       0xfff,
		Perm:           memory.PermRW,
	})

	assert.Empty(t, e.be.mappings(1))
	require.ErrorIs(t, e.s.Migration().Err(), unix.EINVAL)
}

func TestGuestIOMMUDiscardedTarget(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	mem := ram("virtio-mem", 0x10000, 0x100000)
	dm := memory.NewBlockDiscardManager(mem, 0x1000)
	require.NoError(t, e.system.AddRegion(mem, 0x1_0000_0000))
	require.NoError(t, dm.Populate(0x0, 0x1000))

	r := memory.NewIOMMU("viommu", 0x10000, e.system, 0xffff_f000)
	pci := memory.NewAddressSpace("pci")
	require.NoError(t, pci.AddRegion(r, 0))

	d := e.device("0000:00:03.0")
	require.NoError(t, e.s.Attach(pci, d))

	r.Translator.Map(memory.IOTLBEntry{IOVA: 0x0, TranslatedAddr: 0x1_0000_0000, AddrMask: 0xfff, Perm: memory.PermRW})
	r.Translator.Map(memory.IOTLBEntry{IOVA: 0x1000, TranslatedAddr: 0x1_0000_1000, AddrMask: 0xfff, Perm: memory.PermRW})

	ioas := e.be.mappings(1)
	assert.Contains(t, ioas, uint64(0x0), "populated block is mapped")
	assert.NotContains(t, ioas, uint64(0x1000), "discarded block is not")

	warnings := 0

	for _, entry := range e.hook.AllEntries() {
		if entry.Message != "" && entry.Level.String() == "warning" {
			warnings++
		}
	}

	assert.Equal(t, 1, warnings, "discard warning is emitted once")
}

func TestGuestIOMMURegionDelAfterFailedMap(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	r, pci := viommu(t, e)
	tr := r.Translator

	d := e.device("0000:00:04.0")
	require.NoError(t, e.s.Attach(pci, d))

	e.be.mapErr = func(iova, _ uint64) error {
		if iova == 0x10_1000 {
			return unix.ENOMEM
		}

		return nil
	}

	tr.Map(memory.IOTLBEntry{IOVA: 0x1000, TranslatedAddr: 0x3000, AddrMask: 0xfff, Perm: memory.PermRW})
	tr.Map(memory.IOTLBEntry{IOVA: 0x2000, TranslatedAddr: 0x4000, AddrMask: 0xfff, Perm: memory.PermRW})
	require.True(t, tr.Unmap(0x1000))
	require.Contains(t, e.be.mappings(1), uint64(0x10_2000))

	e.rec.take()
	require.NoError(t, pci.DelSection(0x10_0000))

	assert.Contains(t, e.rec.take(), "unmap 1 0x100000 0x10000")
	assert.Empty(t, e.be.mappings(1))

	require.NoError(t, e.s.Detach(d))
}
