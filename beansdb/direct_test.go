package beansdb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDirectFixture(t *testing.T, nStores int) (*DirectClient, []*fakeBackend) {
	t.Helper()
	backends := make([]Backend, nStores)
	fakes := make([]*fakeBackend, nStores)
	for i := 0; i < nStores; i++ {
		f := newFakeBackend(string(rune('a' + i)))
		var counts [numBuckets]int64
		for b := 0; b < numBuckets; b++ {
			counts[b] = 100
		}
		f.setInventory(counts)
		fakes[i] = f
		backends[i] = f
	}
	dc := NewDirectClient(backends, 3, 2, time.Millisecond)
	return dc, fakes
}

func TestDirectClientSetGetDeleteRoundTrip(t *testing.T) {
	t.Parallel()
	dc, _ := newDirectFixture(t, 3)

	ok, err := dc.Set("k", []byte("hello"))
	require.NoError(t, err)
	assert.True(t, ok)

	exists, err := dc.Exists("k")
	require.NoError(t, err)
	assert.True(t, exists)

	v, err := dc.Get("k", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), v)

	ok, err = dc.Delete("k")
	require.NoError(t, err)
	assert.True(t, ok)

	exists, err = dc.Exists("k")
	require.NoError(t, err)
	assert.False(t, exists)

	v, err = dc.Get("k", nil)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestDirectClientQuorumWriteSucceedsWithTwoAcks(t *testing.T) {
	t.Parallel()
	dc, fakes := newDirectFixture(t, 3)
	fakes[2].failAlways = true

	ok, err := dc.Set("k", []byte("v"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDirectClientQuorumWriteFailsWithOneAck(t *testing.T) {
	t.Parallel()
	dc, fakes := newDirectFixture(t, 3)
	fakes[1].failAlways = true
	fakes[2].failAlways = true

	_, err := dc.Set("k", []byte("v"))
	require.Error(t, err)
	var wfe *WriteFailedError
	assert.ErrorAs(t, err, &wfe)
}

func TestDirectClientStrictDeleteFailsIfAnyCandidateFails(t *testing.T) {
	t.Parallel()
	dc, fakes := newDirectFixture(t, 3)
	_, err := dc.Set("k", []byte("v"))
	require.NoError(t, err)

	fakes[2].failAlways = true
	_, err = dc.Delete("k")
	require.Error(t, err)
	var dfe *DeleteFailedError
	assert.ErrorAs(t, err, &dfe)
}

func TestDirectClientGetFailoverReturnsFirstNonNilFromNonFailing(t *testing.T) {
	t.Parallel()
	dc, fakes := newDirectFixture(t, 3)
	_, err := dc.Set("k", []byte("v"))
	require.NoError(t, err)

	fakes[0].failNext = true

	v, err := dc.Get("k", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestDirectClientGetAllFailingRaisesReadFailed(t *testing.T) {
	t.Parallel()
	dc, fakes := newDirectFixture(t, 3)
	for _, f := range fakes {
		f.failAlways = true
	}

	_, err := dc.Get("k", []byte("default"))
	require.Error(t, err)
	var rfe *ReadFailedError
	assert.ErrorAs(t, err, &rfe)
}

func TestDirectClientGetDefaultSemantics(t *testing.T) {
	t.Parallel()
	dc, _ := newDirectFixture(t, 3)

	v, err := dc.Get("missing", []byte("D"))
	require.NoError(t, err)
	assert.Equal(t, []byte("D"), v)
}

func TestDirectClientSetMultiGetMultiDeleteMulti(t *testing.T) {
	t.Parallel()
	dc, _ := newDirectFixture(t, 3)

	err := dc.SetMulti(map[string][]byte{"a": []byte("1"), "b": []byte("2"), "c": []byte("3")})
	require.NoError(t, err)

	got, err := dc.GetMulti([]string{"a", "b", "c"}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"a": []byte("1"), "b": []byte("2"), "c": []byte("3")}, got)

	err = dc.DeleteMulti([]string{"a", "b", "c"})
	require.NoError(t, err)

	got, err = dc.GetMulti([]string{"a", "b", "c"}, nil)
	require.NoError(t, err)
	assert.Nil(t, got["a"])
	assert.Nil(t, got["b"])
	assert.Nil(t, got["c"])
}

func TestDirectClientGetMultiChunksOver200Keys(t *testing.T) {
	t.Parallel()
	dc, _ := newDirectFixture(t, 3)

	values := make(map[string][]byte, 450)
	keys := make([]string, 0, 450)
	for i := 0; i < 450; i++ {
		k := "key-" + itoa(i)
		values[k] = []byte("v")
		keys = append(keys, k)
	}
	require.NoError(t, dc.SetMulti(values))

	got, err := dc.GetMulti(keys, nil)
	require.NoError(t, err)
	assert.Len(t, got, 450)
	for _, k := range keys {
		assert.Equal(t, []byte("v"), got[k])
	}
}

func TestChunkKeysRespectsLimit(t *testing.T) {
	t.Parallel()
	keys := make([]string, 450)
	for i := range keys {
		keys[i] = itoa(i)
	}
	chunks := chunkKeys(keys, MaxKeysInGetMulti)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 200)
	assert.Len(t, chunks[1], 200)
	assert.Len(t, chunks[2], 50)
}
