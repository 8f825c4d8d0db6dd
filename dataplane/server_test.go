package dataplane

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"varys"
)

type mapStore map[varys.DataID][]byte

func (m mapStore) Get(id varys.DataID) ([]byte, bool) {
	b, ok := m[id]
	return b, ok
}

func fetchFrom(t *testing.T, s *Server, desc varys.FlowDescription) ([]byte, bool) {
	t.Helper()
	desc.OriginHost = "127.0.0.1"
	desc.OriginPort = s.Port()
	data, found, err := Fetch(desc, 0, time.Second, nil)
	require.NoError(t, err)
	return data, found
}

func TestServeFake(t *testing.T) {
	s, err := NewAndServe("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer s.Shutdown()

	id := varys.DataID{CoflowID: "cf", FlowID: "fake"}
	data, found := fetchFrom(t, s, varys.NewFakeDescription(id, 1000, 1, ""))
	require.True(t, found)
	assert.Equal(t, FakePattern(1000), data)
	assert.Equal(t, byte(0), data[0])
	assert.Equal(t, byte(999%256), data[999])
}

func TestServeOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob")
	content := FakePattern(1024)
	require.NoError(t, os.WriteFile(path, content, 0644))

	s, err := NewAndServe("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer s.Shutdown()

	id := varys.DataID{CoflowID: "cf", FlowID: "file"}
	data, found := fetchFrom(t, s, varys.NewFileDescription(id, path, 100, 300, 1, ""))
	require.True(t, found)
	assert.Equal(t, content[100:400], data)
}

func TestServeOnDiskOutOfBounds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob")
	require.NoError(t, os.WriteFile(path, FakePattern(1024), 0644))

	s, err := NewAndServe("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer s.Shutdown()

	id := varys.DataID{CoflowID: "cf", FlowID: "file"}
	_, found := fetchFrom(t, s, varys.NewFileDescription(id, path, 900, 200, 1, ""))
	assert.False(t, found, "reads outside the file bounds must be refused")
}

func TestServeInMemory(t *testing.T) {
	id := varys.DataID{CoflowID: "cf", FlowID: "obj"}
	store := mapStore{id: {0xDE, 0xAD, 0xBE, 0xEF}}

	s, err := NewAndServe("127.0.0.1:0", store)
	require.NoError(t, err)
	defer s.Shutdown()

	data, found := fetchFrom(t, s, varys.NewObjectDescription(id, "", 4, 1, "", 0))
	require.True(t, found)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, data)

	missing := varys.DataID{CoflowID: "cf", FlowID: "nope"}
	_, found = fetchFrom(t, s, varys.NewObjectDescription(missing, "", 0, 1, "", 0))
	assert.False(t, found)
}

func TestServeInMemoryWithoutStore(t *testing.T) {
	// a slave's data server has no object store; in-memory requests are
	// answered empty rather than crashing
	s, err := NewAndServe("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer s.Shutdown()

	id := varys.DataID{CoflowID: "cf", FlowID: "obj"}
	_, found := fetchFrom(t, s, varys.NewObjectDescription(id, "", 4, 1, "", 0))
	assert.False(t, found)
}
