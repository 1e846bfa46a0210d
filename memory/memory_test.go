package memory_test

import (
	"errors"
	"testing"

	"github.com/bobuhiro11/govfio/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---- helpers ----

type event struct {
	kind string
	addr uint64
	size uint64
}

type recorder struct {
	events   []event
	startErr error
}

func (r *recorder) RegionAdd(s memory.Section) {
	r.events = append(r.events, event{"add", s.OffsetWithinAS, s.Size})
}

func (r *recorder) RegionDel(s memory.Section) {
	r.events = append(r.events, event{"del", s.OffsetWithinAS, s.Size})
}

func (r *recorder) LogGlobalStart() error {
	r.events = append(r.events, event{kind: "start"})

	return r.startErr
}

func (r *recorder) LogGlobalStop() {
	r.events = append(r.events, event{kind: "stop"})
}

func (r *recorder) LogSync(s memory.Section) {
	r.events = append(r.events, event{"sync", s.OffsetWithinAS, s.Size})
}

func region(name string, size uint64) *memory.Region {
	return &memory.Region{Name: name, Type: memory.RAM, Size: size, HostAddr: 0x7f0000000000, RAMAddr: 0x10000}
}

// ---- address space ----

func TestAddressSpaceOverlap(t *testing.T) {
	t.Parallel()

	as := memory.NewAddressSpace("test")
	require.NoError(t, as.AddRegion(region("a", 0x2000), 0x1000))
	require.Error(t, as.AddRegion(region("b", 0x1000), 0x2000))
	require.Error(t, as.AddRegion(region("c", 0x1000), 0x0800))
	require.NoError(t, as.AddRegion(region("d", 0x1000), 0x3000))
	require.NoError(t, as.AddRegion(region("e", 0x1000), 0x0))

	got := []uint64{}
	for _, s := range as.Sections() {
		got = append(got, s.OffsetWithinAS)
	}

	assert.Equal(t, []uint64{0x0, 0x1000, 0x3000}, got)
}

func TestListenerReplay(t *testing.T) {
	t.Parallel()

	as := memory.NewAddressSpace("test")
	require.NoError(t, as.AddRegion(region("low", 0x1000), 0x0))
	require.NoError(t, as.AddRegion(region("high", 0x1000), 0x100000))

	r := &recorder{}
	as.RegisterListener(r)
	require.NoError(t, as.AddRegion(region("mid", 0x1000), 0x8000))
	require.NoError(t, as.DelSection(0x8000))
	require.Error(t, as.DelSection(0x8000))
	as.UnregisterListener(r)

	assert.Equal(t, []event{
		{"add", 0x0, 0x1000},
		{"add", 0x100000, 0x1000},
		{"add", 0x8000, 0x1000},
		{"del", 0x8000, 0x1000},
		{"del", 0x100000, 0x1000},
		{"del", 0x0, 0x1000},
	}, r.events)
}

func TestStartLoggingUnwinds(t *testing.T) {
	t.Parallel()

	as := memory.NewAddressSpace("test")
	ok := &recorder{}
	bad := &recorder{startErr: errors.New("no dirty tracking")}

	as.RegisterListener(ok)
	as.RegisterListener(bad)

	require.Error(t, as.StartLogging())
	assert.False(t, as.Logging())
	assert.Equal(t, []event{{kind: "start"}, {kind: "stop"}}, ok.events)
}

func TestTranslate(t *testing.T) {
	t.Parallel()

	as := memory.NewAddressSpace("system")
	r := region("ram", 0x4000)
	require.NoError(t, as.AddRegion(r, 0x10000))
	require.NoError(t, as.AddRegion(&memory.Region{Name: "mmio", Type: memory.IO, Size: 0x1000}, 0x20000))

	tr, err := as.Translate(0x11000, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, r.HostAddr+0x1000, tr.HostAddr)
	assert.Equal(t, r.RAMAddr+0x1000, tr.RAMAddr)

	_, err = as.Translate(0x13800, 0x1000)
	require.ErrorIs(t, err, memory.ErrNotRAM)

	_, err = as.Translate(0x20000, 0x1000)
	require.ErrorIs(t, err, memory.ErrNotRAM)

	_, err = as.Translate(0x8000, 0x1000)
	require.ErrorIs(t, err, memory.ErrNotRAM)
}

func TestSectionSub(t *testing.T) {
	t.Parallel()

	s := memory.Section{Region: region("r", 0x10000), OffsetWithinRegion: 0x2000, OffsetWithinAS: 0x100000, Size: 0x4000}

	sub, ok := s.Sub(0x3000, 0x10000)
	require.True(t, ok)
	assert.Equal(t, uint64(0x101000), sub.OffsetWithinAS)
	assert.Equal(t, uint64(0x3000), sub.Size)

	_, ok = s.Sub(0x8000, 0x1000)
	assert.False(t, ok)
}

// ---- discard ----

type discardRecorder struct {
	populated []event
	discarded []event
	failAt    uint64
}

func (d *discardRecorder) NotifyPopulate(s memory.Section) error {
	if d.failAt != 0 && s.OffsetWithinAS <= d.failAt && d.failAt < s.End() {
		return errors.New("populate refused")
	}

	d.populated = append(d.populated, event{"populate", s.OffsetWithinAS, s.Size})

	return nil
}

func (d *discardRecorder) NotifyDiscard(s memory.Section) {
	d.discarded = append(d.discarded, event{"discard", s.OffsetWithinAS, s.Size})
}

func TestBlockDiscardManager(t *testing.T) {
	t.Parallel()

	r := region("virtio-mem", 0x100000)
	m := memory.NewBlockDiscardManager(r, 0x10000)
	s := memory.Section{Region: r, OffsetWithinAS: 0x40000000, Size: r.Size}

	require.NoError(t, m.Populate(0x10000, 0x20000))
	require.Error(t, m.Populate(0x1000, 0x10000))

	l := &discardRecorder{}
	require.NoError(t, m.RegisterListener(l, s))
	assert.Equal(t, []event{{"populate", 0x40010000, 0x20000}}, l.populated)

	require.NoError(t, m.Populate(0x80000, 0x10000))
	assert.Equal(t, uint64(0x30000), m.PluggedSize())
	assert.False(t, m.IsPopulated(s))

	require.NoError(t, m.Discard(0x10000, 0x10000))

	runs := []event{}
	require.NoError(t, m.ReplayPopulated(s, func(sub memory.Section) error {
		runs = append(runs, event{"run", sub.OffsetWithinAS, sub.Size})

		return nil
	}))
	assert.Equal(t, []event{{"run", 0x40020000, 0x10000}, {"run", 0x40080000, 0x10000}}, runs)

	m.UnregisterListener(l)
	assert.Equal(t, []event{
		{"discard", 0x40010000, 0x10000},
		{"discard", 0x40000000, 0x100000},
	}, l.discarded)
}

func TestBlockDiscardManagerPopulateRollback(t *testing.T) {
	t.Parallel()

	r := region("virtio-mem", 0x100000)
	m := memory.NewBlockDiscardManager(r, 0x10000)
	s := memory.Section{Region: r, OffsetWithinAS: 0, Size: r.Size}

	first := &discardRecorder{}
	second := &discardRecorder{failAt: 0x20000}

	require.NoError(t, m.RegisterListener(first, s))
	require.NoError(t, m.RegisterListener(second, s))

	require.Error(t, m.Populate(0x10000, 0x20000))
	assert.Equal(t, []event{{"discard", 0x10000, 0x20000}}, first.discarded)
	assert.Zero(t, m.PluggedSize())
}

func TestDiscardCoordinator(t *testing.T) {
	t.Parallel()

	c := &memory.DiscardCoordinator{}

	require.NoError(t, c.DisableUncoordinated(true))
	require.NoError(t, c.DisableUncoordinated(true))
	require.ErrorIs(t, c.Require(true), memory.ErrDiscardRequired)

	require.NoError(t, c.DisableUncoordinated(false))
	assert.True(t, c.Disabled())
	require.NoError(t, c.DisableUncoordinated(false))
	assert.False(t, c.Disabled())

	require.NoError(t, c.Require(true))
	require.ErrorIs(t, c.DisableUncoordinated(true), memory.ErrDiscardRequired)
}

// ---- iommu ----

func TestIOMMUReplayIsOneShot(t *testing.T) {
	t.Parallel()

	system := memory.NewAddressSpace("system")
	r := memory.NewIOMMU("vtd", 1<<48, system, 0x1000|0x200000)
	m := r.Translator

	m.Map(memory.IOTLBEntry{IOVA: 0x3000, TranslatedAddr: 0x9000, AddrMask: 0xfff, Perm: memory.PermRW})
	m.Map(memory.IOTLBEntry{IOVA: 0x1000, TranslatedAddr: 0x8000, AddrMask: 0xfff, Perm: memory.PermRO})
	m.Map(memory.IOTLBEntry{IOVA: 0x100000, TranslatedAddr: 0xa000, AddrMask: 0xfff, Perm: memory.PermRW})

	n := &memory.IOMMUNotifier{Notify: func(memory.IOTLBEntry) {}, Flags: memory.NotifyAll, Start: 0, End: 0xfffff}
	replay := m.Replay(n)

	got := []uint64{}
	for e, ok := replay.Next(); ok; e, ok = replay.Next() {
		got = append(got, e.IOVA)
		assert.Equal(t, system, e.TargetAS)
	}

	assert.Equal(t, []uint64{0x1000, 0x3000}, got)

	_, ok := replay.Next()
	assert.False(t, ok)
}

func TestIOMMUNotify(t *testing.T) {
	t.Parallel()

	system := memory.NewAddressSpace("system")
	m := memory.NewIOMMU("vtd", 1<<48, system, 0x1000).Translator

	seen := []memory.Perm{}
	n := &memory.IOMMUNotifier{
		Notify: func(e memory.IOTLBEntry) { seen = append(seen, e.Perm) },
		Flags:  memory.NotifyAll,
		End:    ^uint64(0),
	}
	require.NoError(t, m.RegisterNotifier(n))

	m.Map(memory.IOTLBEntry{IOVA: 0x1000, TranslatedAddr: 0x8000, AddrMask: 0xfff, Perm: memory.PermRW})
	assert.True(t, m.Unmap(0x1000))
	assert.False(t, m.Unmap(0x1000))

	m.UnregisterNotifier(n)
	m.Map(memory.IOTLBEntry{IOVA: 0x2000, TranslatedAddr: 0x8000, AddrMask: 0xfff, Perm: memory.PermRW})

	assert.Equal(t, []memory.Perm{memory.PermRW, memory.PermNone}, seen)

	require.Error(t, m.SetPageSizeMask(0x200000))
	require.NoError(t, m.SetPageSizeMask(0x1000|0x200000))
	assert.Equal(t, uint64(0x1000), m.PageSizeMask())
}

func TestRegionRefs(t *testing.T) {
	t.Parallel()

	r := region("ram", 0x1000)
	r.Ref()
	r.Ref()
	r.Unref()
	assert.Equal(t, int32(1), r.Refs())
	r.Unref()
	assert.Panics(t, r.Unref)
}

func TestNewRAM(t *testing.T) {
	t.Parallel()

	r, err := memory.NewRAM("ram", 0x10000, 0)
	require.NoError(t, err)

	defer r.Free()

	assert.NotZero(t, r.HostAddr)
	assert.Len(t, r.Bytes(), 0x10000)
	assert.True(t, r.IsRAM())
	assert.Equal(t, "ram", r.Type.String())

	_, err = memory.NewRAM("empty", 0, 0)
	require.Error(t, err)
}
