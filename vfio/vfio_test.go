package vfio_test

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/bobuhiro11/govfio/vfio"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestStructLayout(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name string
		have uintptr
		want uintptr
	}{
		{"DeviceInfo", unsafe.Sizeof(vfio.DeviceInfo{}), 24},
		{"BindIOMMUFD", unsafe.Sizeof(vfio.BindIOMMUFD{}), 16},
		{"AttachIOMMUFDPT", unsafe.Sizeof(vfio.AttachIOMMUFDPT{}), 12},
		{"DetachIOMMUFDPT", unsafe.Sizeof(vfio.DetachIOMMUFDPT{}), 8},
		{"DMALoggingControl", unsafe.Sizeof(vfio.DMALoggingControl{}), 24},
		{"DMALoggingRange", unsafe.Sizeof(vfio.DMALoggingRange{}), 16},
		{"DMALoggingReportReq", unsafe.Sizeof(vfio.DMALoggingReportReq{}), 32},
		{"IOMMUType1Info", unsafe.Sizeof(vfio.IOMMUType1Info{}), 24},
		{"Type1DMAMap", unsafe.Sizeof(vfio.Type1DMAMap{}), 32},
		{"Type1DMAUnmap", unsafe.Sizeof(vfio.Type1DMAUnmap{}), 24},
		{"DirtyBitmapGet", unsafe.Sizeof(vfio.DirtyBitmapGet{}), 40},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			if test.have != test.want {
				t.Fatalf("expected: %d, actual: %d", test.want, test.have)
			}
		})
	}
}

// ---- capability chain ----

func buildInfo(t *testing.T) []byte {
	t.Helper()

	le := binary.NativeEndian
	buf := make([]byte, 24+16+32+32+12)

	le.PutUint32(buf[0:], uint32(len(buf)))
	le.PutUint32(buf[4:], vfio.IOMMUInfoPgsizes|vfio.IOMMUInfoCaps)
	le.PutUint64(buf[8:], 0x40201000)
	le.PutUint32(buf[16:], 24)

	// IOVA range cap with two ranges.
	le.PutUint16(buf[24:], vfio.IOMMUCapIOVARange)
	le.PutUint32(buf[28:], 24+48)
	le.PutUint32(buf[32:], 2)
	le.PutUint64(buf[40:], 0)
	le.PutUint64(buf[48:], 0xfedfffff)
	le.PutUint64(buf[56:], 0xfef00000)
	le.PutUint64(buf[64:], 0xffffffffffff)

	// Migration cap.
	le.PutUint16(buf[72:], vfio.IOMMUCapMigration)
	le.PutUint32(buf[76:], 24+48+32)
	le.PutUint64(buf[88:], 0x1000)
	le.PutUint64(buf[96:], 256<<20)

	// DMA avail cap ends the chain.
	le.PutUint16(buf[104:], vfio.IOMMUCapDMAAvail)
	le.PutUint32(buf[112:], 65535)

	return buf
}

func TestParseIOMMUInfo(t *testing.T) {
	t.Parallel()

	info, err := vfio.ParseIOMMUInfo(buildInfo(t))
	require.NoError(t, err)

	want := vfio.IOMMUInfo{
		Flags:       vfio.IOMMUInfoPgsizes | vfio.IOMMUInfoCaps,
		IOVAPgsizes: 0x40201000,
		Ranges: []vfio.Range{
			{Start: 0, End: 0xfedfffff},
			{Start: 0xfef00000, End: 0xffffffffffff},
		},
		Migration:   &vfio.MigrationCap{PgsizeBitmap: 0x1000, MaxDirtyBitmapSize: 256 << 20},
		DMAAvail:    65535,
		HasDMAAvail: true,
	}

	if diff := cmp.Diff(want, info); diff != "" {
		t.Fatalf("info mismatch (-want +got):\n%s", diff)
	}
}

func TestParseIOMMUInfoTruncated(t *testing.T) {
	t.Parallel()

	buf := buildInfo(t)

	_, err := vfio.ParseIOMMUInfo(buf[:50])
	require.Error(t, err)

	_, err = vfio.ParseIOMMUInfo(buf[:10])
	require.Error(t, err)
}

func TestParseIOMMUInfoLoop(t *testing.T) {
	t.Parallel()

	buf := buildInfo(t)
	binary.NativeEndian.PutUint32(buf[108:], 24)

	_, err := vfio.ParseIOMMUInfo(buf)
	require.Error(t, err)
}

// ---- sysfs ----

func TestCdevLookup(t *testing.T) {
	t.Parallel()

	dev := filepath.Join(t.TempDir(), "0000:01:00.0")
	require.NoError(t, os.MkdirAll(filepath.Join(dev, "vfio-dev", "vfio3"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dev, "vfio-dev", "vfio3", "dev"), []byte("511:3\n"), 0o644))

	name, err := vfio.CdevName(dev)
	require.NoError(t, err)
	require.Equal(t, "vfio3", name)

	major, minor, err := vfio.CdevDevT(dev)
	require.NoError(t, err)
	require.Equal(t, uint32(511), major)
	require.Equal(t, uint32(3), minor)

	_, err = vfio.OpenCdev(dev, t.TempDir())
	require.Error(t, err)
}

func TestCdevMissing(t *testing.T) {
	t.Parallel()

	dev := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dev, "vfio-dev"), 0o755))

	_, err := vfio.CdevName(dev)
	require.Error(t, err)
}

func TestIOMMUGroup(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dev := filepath.Join(root, "0000:02:00.0")
	require.NoError(t, os.MkdirAll(dev, 0o755))
	require.NoError(t, os.Symlink("../../kernel/iommu_groups/17", filepath.Join(dev, "iommu_group")))

	group, err := vfio.IOMMUGroup(dev)
	require.NoError(t, err)
	require.Equal(t, 17, group)
	require.Equal(t, "0000:02:00.0", vfio.DeviceName(dev))

	_, err = vfio.IOMMUGroup(root)
	require.Error(t, err)
}
