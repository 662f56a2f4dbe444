package reliability

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type payload struct {
	Name  string `msgpack:"name"`
	Count int    `msgpack:"count"`
}

// TestInsertCommitSurvivesReopen tests the round-trip property: every
// insert followed by commit is observable after a fresh open.
func TestInsertCommitSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)
	tbl := s.Table("units")
	require.NoError(t, tbl.Insert("sshd.service", payload{Name: "sshd", Count: 3}))
	require.NoError(t, s.Commit())
	require.NoError(t, s.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()

	var got payload
	ok, err := s2.Table("units").Get("sshd.service", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload{Name: "sshd", Count: 3}, got)
}

// TestRemovePersists tests that deletions survive reopen.
func TestRemovePersists(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	tbl := s.Table("units")
	require.NoError(t, tbl.Insert("a.service", payload{Name: "a"}))
	require.NoError(t, tbl.Insert("b.service", payload{Name: "b"}))
	require.NoError(t, tbl.Remove("a.service"))
	require.NoError(t, s.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()
	assert.Equal(t, []string{"b.service"}, s2.Table("units").Keys())
}

// TestBufferPolicyBatches tests that buffer mode holds writes until the
// next commit.
func TestBufferPolicyBatches(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.SetPolicy(PolicyBuffer))

	tbl := s.Table("units")
	require.NoError(t, tbl.Insert("x.service", payload{Name: "x"}))

	// The cache always answers.
	var got payload
	ok, err := tbl.Get("x.service", &got)
	require.NoError(t, err)
	assert.True(t, ok)

	// Switching back to cache-all flushes the pending set.
	require.NoError(t, s.SetPolicy(PolicyCacheAll))
	require.NoError(t, s.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()
	ok, err = s2.Table("units").Get("x.service", &got)
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestCompactFlipsArena tests the two-arena alternation and the bflag
// protocol: present means b, absent means a.
func TestCompactFlipsArena(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	flag := filepath.Join(dir, "reliability.mdb", "bflag")
	_, err = os.Stat(flag)
	assert.True(t, os.IsNotExist(err), "fresh store starts on arena a")

	require.NoError(t, s.Table("units").Insert("u.service", payload{Name: "u"}))
	require.NoError(t, s.Compact())

	_, err = os.Stat(flag)
	assert.NoError(t, err, "after one compaction the b arena is current")
	_, err = os.Stat(filepath.Join(dir, "reliability.mdb", "a", "data.mdb"))
	assert.True(t, os.IsNotExist(err), "the previous arena is deleted")

	var got payload
	ok, err := s.Table("units").Get("u.service", &got)
	require.NoError(t, err)
	assert.True(t, ok)

	// Flip back.
	require.NoError(t, s.Compact())
	_, err = os.Stat(flag)
	assert.True(t, os.IsNotExist(err))
}

// TestLastFrameBreadcrumbs tests set/clear of the frame and unit records.
func TestLastFrameBreadcrumbs(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	_, ok := s.LastFrame()
	assert.False(t, ok)

	f2 := uint32(7)
	s.SetLastFrame(3, &f2, nil)
	s.SetLastUnit("sshd.service")

	frame, ok := s.LastFrame()
	require.True(t, ok)
	assert.Equal(t, uint32(3), frame.F1)
	require.NotNil(t, frame.F2)
	assert.Equal(t, uint32(7), *frame.F2)
	assert.Nil(t, frame.F3)

	lastUnit, ok := s.LastUnit()
	require.True(t, ok)
	assert.Equal(t, "sshd.service", lastUnit)

	s.ClearLastFrame()
	s.ClearLastUnit()
	_, ok = s.LastFrame()
	assert.False(t, ok)
	_, ok = s.LastUnit()
	assert.False(t, ok)
}

// TestIgnoreMasksWrites tests the replay write mask.
func TestIgnoreMasksWrites(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	s.SetIgnoreAll(true)
	require.NoError(t, s.Table("units").Insert("ghost.service", payload{Name: "ghost"}))
	s.SetIgnoreAll(false)
	require.NoError(t, s.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()
	var got payload
	ok, _ := s2.Table("units").Get("ghost.service", &got)
	assert.False(t, ok, "masked writes must not reach disk")
}

// TestFdTable tests fd registration, lookup by name and reclaim.
func TestFdTable(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	require.NoError(t, s.FdStore(fds[0], "api.socket"))
	assert.Equal(t, map[int]string{fds[0]: "api.socket"}, s.Fds())

	got := s.FdTake("api.socket")
	assert.Equal(t, fds[0], got)
	assert.Equal(t, -1, s.FdTake("api.socket"))
}

type recordingStation struct {
	calls []string
}

func (r *recordingStation) InputRebuild() { r.calls = append(r.calls, "input") }
func (r *recordingStation) DbCompensate(frame Frame, hasFrame bool, lastUnit string) {
	r.calls = append(r.calls, "compensate")
}
func (r *recordingStation) DbMap(reload bool)  { r.calls = append(r.calls, "map") }
func (r *recordingStation) MakeConsistent()    { r.calls = append(r.calls, "consistent") }

// TestRecoverSequence tests the fixed station callback order and that
// recovery clears the breadcrumbs.
func TestRecoverSequence(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	st := &recordingStation{}
	s.RegisterStation("test", LevelUnit, st)
	s.SetLastFrame(1, nil, nil)
	s.SetLastUnit("x.service")

	s.Recover(false)

	assert.Equal(t, []string{"input", "compensate", "map", "consistent"}, st.calls)
	_, ok := s.LastFrame()
	assert.False(t, ok, "recovery clears the frame breadcrumb")
	_, ok = s.LastUnit()
	assert.False(t, ok, "recovery clears the unit breadcrumb")
}

// TestRecoverDisabled tests the enable switch.
func TestRecoverDisabled(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	st := &recordingStation{}
	s.RegisterStation("test", LevelUnit, st)
	s.SetEnable(false)
	s.Recover(false)
	assert.Empty(t, st.calls)
}
