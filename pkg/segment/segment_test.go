package segment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	s, err := New("device_type==mobile")
	require.NoError(t, err)
	assert.Equal(t, "device_type==mobile", s.Definition)

	s, err = New("  ")
	require.NoError(t, err)
	assert.True(t, s.IsEmpty())

	multi, err := New("device_type==mobile;country!=us")
	require.NoError(t, err)
	assert.False(t, multi.IsEmpty())

	for _, bad := range []string{"device_type=mobile", "DeviceType==mobile", "device_type==", ";;"} {
		_, err := New(bad)
		assert.Error(t, err, bad)
	}
}

func TestHash(t *testing.T) {
	a, _ := New("device_type==mobile")
	b, _ := New("device_type==desktop")

	assert.Empty(t, None.Hash())
	assert.Len(t, a.Hash(), 32)
	assert.Equal(t, a.Hash(), a.Hash())
	assert.NotEqual(t, a.Hash(), b.Hash())
}

func TestCombine(t *testing.T) {
	a, _ := New("device_type==mobile")
	b, _ := New("returning==1")

	assert.Equal(t, a, Combine(a, None))
	assert.Equal(t, b, Combine(None, b))
	assert.Equal(t, "device_type==mobile;returning==1", Combine(a, b).Definition)
}

func TestDoneFlag(t *testing.T) {
	seg, _ := New("device_type==mobile")

	assert.Equal(t, "done", DoneFlag(None, ""))
	assert.Equal(t, "done.VisitsSummary", DoneFlag(None, "VisitsSummary"))
	assert.Equal(t, "done"+seg.Hash(), DoneFlag(seg, ""))
	assert.Equal(t, "done"+seg.Hash()+".Goals", DoneFlag(seg, "Goals"))
}
