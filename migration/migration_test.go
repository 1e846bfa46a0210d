package migration_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/bobuhiro11/govfio/migration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---- state ----

func TestBlockers(t *testing.T) {
	t.Parallel()

	s := migration.NewState()

	a, err := s.AddBlocker("first")
	require.NoError(t, err)

	b, err := s.AddBlocker("second")
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second"}, s.Blockers())

	s.DelBlocker(a)
	s.DelBlocker(a)
	s.DelBlocker(nil)
	assert.Equal(t, []string{"second"}, s.Blockers())

	s.SetStatus(migration.StatusActive)

	_, err = s.AddBlocker("late")
	require.ErrorIs(t, err, migration.ErrMigrationActive)

	s.DelBlocker(b)
	assert.Empty(t, s.Blockers())
}

func TestSetErrorKeepsFirst(t *testing.T) {
	t.Parallel()

	s := migration.NewState()

	s.SetError(errors.New("ignored while idle"))
	assert.NoError(t, s.Err())

	first := errors.New("first")

	s.SetStatus(migration.StatusSetup)
	s.SetError(first)
	s.SetError(errors.New("second"))
	assert.Equal(t, first, s.Err())

	s.SetStatus(migration.StatusNone)
	assert.NoError(t, s.Err())
	assert.Equal(t, "none", s.Status().String())
}

// ---- dirty log ----

func TestDirtyLog(t *testing.T) {
	t.Parallel()

	d := migration.NewDirtyLog(0x1000)

	d.SetDirtyRange(0x1800, 0x1000)
	assert.Equal(t, uint64(2), d.Count())
	assert.True(t, d.IsDirty(0x1000))
	assert.True(t, d.IsDirty(0x2fff))
	assert.False(t, d.IsDirty(0x3000))

	// pages 0, 3 and 65 of a bitmap starting at 0x100000; page 65 is past
	// the 64 pages the caller asked for.
	n := d.SetDirtyBitmap([]uint64{1 | 1<<3, 1 << 1}, 0x100000, 64)
	assert.Equal(t, uint64(2), n)
	assert.True(t, d.IsDirty(0x100000))
	assert.True(t, d.IsDirty(0x103000))
	assert.False(t, d.IsDirty(0x100000+65*0x1000))

	assert.Equal(t, uint64(1), d.TestAndClear(0x100000, 0x3000))
	assert.Equal(t, uint64(3), d.Count())
}

// ---- transport ----

func TestReportRoundTrip(t *testing.T) {
	t.Parallel()

	d := migration.NewDirtyLog(0x1000)
	d.SetDirtyRange(0x5000, 0x2000)
	d.SetDirtyRange(0x80000, 0x1000)

	st := migration.NewState()
	_, err := st.AddBlocker("vIOMMU enabled")
	require.NoError(t, err)

	var buf bytes.Buffer

	s := migration.NewSender(&buf)
	require.NoError(t, s.SendDirtyLog(d))
	require.NoError(t, s.SendBlockers(st))
	require.NoError(t, s.SendDone())

	r := migration.NewReceiver(&buf)

	typ, payload, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, migration.MsgDirtyBitmap, typ)

	got, err := migration.DecodeDirtyLog(payload)
	require.NoError(t, err)
	assert.Equal(t, d.Words(), got.Words())
	assert.Equal(t, uint64(0x1000), got.PageSize())

	typ, payload, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, migration.MsgBlockers, typ)
	assert.Equal(t, []string{"vIOMMU enabled"}, migration.DecodeBlockers(payload))

	typ, payload, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, migration.MsgDone, typ)
	assert.Nil(t, payload)

	_, _, err = r.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestDecodeDirtyLogShort(t *testing.T) {
	t.Parallel()

	for _, payload := range [][]byte{nil, {1, 2, 3}, make([]byte, 12), make([]byte, 16)} {
		_, err := migration.DecodeDirtyLog(payload)
		assert.Error(t, err, "payload %v", payload)
	}
}

func TestReceiverTruncatedPayload(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, migration.NewSender(&buf).SendBlockers(migration.NewState()))

	hdr := []byte{0, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0, 9, 'x'}

	_, _, err := migration.NewReceiver(bytes.NewReader(hdr)).Next()
	require.Error(t, err)
}
