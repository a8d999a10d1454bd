package lockstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, sizeMB int64) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, "rc", sizeMB, nil)
	require.NoError(t, err)
	return s
}

func TestOpenFailsIfDirMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "does-not-exist"), "rc", 20, nil)
	require.Error(t, err)
}

func TestOpenCreatesAccountingRecord(t *testing.T) {
	s := openTestStore(t, 20)
	data, err := os.ReadFile(s.accountingPath())
	require.NoError(t, err)
	assert.Equal(t, "0", string(data))
}

func TestOpenInactiveWhenSizeZero(t *testing.T) {
	s := openTestStore(t, 0)
	assert.False(t, s.Active())
	_, err := os.Stat(s.accountingPath())
	assert.True(t, os.IsNotExist(err))
}

func TestGetReadLockMissReturnsFalseNoError(t *testing.T) {
	s := openTestStore(t, 20)
	held, f, err := s.GetReadLock("rc123_0")
	require.NoError(t, err)
	assert.False(t, held)
	assert.Nil(t, f)
}

func TestCreateAndLockThenGetReadLock(t *testing.T) {
	s := openTestStore(t, 20)

	ok, f, err := s.CreateAndLock("rc123_0")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, f)

	_, err = f.WriteString("hello\n")
	require.NoError(t, err)

	require.NoError(t, s.ExclusiveToShared(f))
	require.NoError(t, s.UnlockAndClose(f))

	held, rf, err := s.GetReadLock("rc123_0")
	require.NoError(t, err)
	require.True(t, held)
	require.NotNil(t, rf)
	require.NoError(t, s.UnlockAndClose(rf))
}

func TestCreateAndLockSecondAttemptFails(t *testing.T) {
	s := openTestStore(t, 20)

	ok, f, err := s.CreateAndLock("rc123_0")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.UnlockAndClose(f))

	ok2, f2, err := s.CreateAndLock("rc123_0")
	require.NoError(t, err)
	assert.False(t, ok2)
	assert.Nil(t, f2)
}

func TestUnlockAndCloseIsIdempotent(t *testing.T) {
	s := openTestStore(t, 20)
	ok, f, err := s.CreateAndLock("rc123_0")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.UnlockAndClose(f))
	require.NoError(t, s.UnlockAndClose(f)) // no-op, must not error or panic
}

func TestUnlockAndCloseOnNilIsNoOp(t *testing.T) {
	s := openTestStore(t, 20)
	require.NoError(t, s.UnlockAndClose(nil))
}

func TestConcurrentReadLocksOnSameEntryDoNotInterfere(t *testing.T) {
	s := openTestStore(t, 20)

	ok, f, err := s.CreateAndLock("rc123_0")
	require.NoError(t, err)
	require.True(t, ok)
	_, err = f.WriteString("hello\n")
	require.NoError(t, err)
	require.NoError(t, s.ExclusiveToShared(f))
	require.NoError(t, s.UnlockAndClose(f))

	held1, f1, err := s.GetReadLock("rc123_0")
	require.NoError(t, err)
	require.True(t, held1)

	held2, f2, err := s.GetReadLock("rc123_0")
	require.NoError(t, err)
	require.True(t, held2)

	// Two independent descriptors on the same entry: releasing one must
	// not disturb the other.
	require.NoError(t, s.UnlockAndClose(f1))
	_, err = f2.Stat()
	require.NoError(t, err, "second reader's descriptor must still be usable after the first is closed")
	require.NoError(t, s.UnlockAndClose(f2))
}

func TestUpdateCacheInfoAccumulates(t *testing.T) {
	s := openTestStore(t, 20)

	ok, f, err := s.CreateAndLock("rc123_0")
	require.NoError(t, err)
	require.True(t, ok)
	_, err = f.WriteString("0123456789") // 10 bytes
	require.NoError(t, err)
	require.NoError(t, s.ExclusiveToShared(f))
	require.NoError(t, s.UnlockAndClose(f))

	total, err := s.UpdateCacheInfo("rc123_0")
	require.NoError(t, err)
	assert.Equal(t, int64(10), total)

	ok, f2, err := s.CreateAndLock("rc123_1")
	require.NoError(t, err)
	require.True(t, ok)
	_, err = f2.WriteString("01234") // 5 bytes
	require.NoError(t, err)
	require.NoError(t, s.ExclusiveToShared(f2))
	require.NoError(t, s.UnlockAndClose(f2))

	total2, err := s.UpdateCacheInfo("rc123_1")
	require.NoError(t, err)
	assert.Equal(t, int64(15), total2)
}

func TestCacheTooBig(t *testing.T) {
	s := openTestStore(t, 1) // 1 MB
	assert.False(t, s.CacheTooBig(1<<20))
	assert.True(t, s.CacheTooBig(1<<20+1))
}

func TestUpdateAndPurgeRemovesOldestUntilLowWater(t *testing.T) {
	s := openTestStore(t, 1) // high water = 1MB, low water = 0.8MB

	// Create three ~500KB entries totalling 1.5MB, with distinct atimes.
	payload := make([]byte, 500*1024)
	names := []string{"rc_0", "rc_1", "rc_2"}
	for i, name := range names {
		ok, f, err := s.CreateAndLock(name)
		require.NoError(t, err)
		require.True(t, ok)
		_, err = f.Write(payload)
		require.NoError(t, err)
		require.NoError(t, s.ExclusiveToShared(f))
		require.NoError(t, s.UnlockAndClose(f))

		// Ensure older entries keep older atimes.
		oldTime := time.Now().Add(-time.Duration(len(names)-i) * time.Hour)
		_ = os.Chtimes(s.EntryPath(name), oldTime, oldTime)

		_, err = s.UpdateCacheInfo(name)
		require.NoError(t, err)
	}

	require.NoError(t, s.UpdateAndPurge(""))

	total, err := readAccounting(mustOpen(t, s.accountingPath()))
	require.NoError(t, err)
	oneMB := float64(1 << 20)
	assert.LessOrEqual(t, total, int64(oneMB*purgeLowWaterFraction))

	// Oldest entry should be gone.
	_, err = os.Stat(s.EntryPath("rc_0"))
	assert.True(t, os.IsNotExist(err))
}

func TestUpdateAndPurgeSkipsExempt(t *testing.T) {
	s := openTestStore(t, 1)

	payload := make([]byte, 900*1024)
	ok, f, err := s.CreateAndLock("rc_exempt")
	require.NoError(t, err)
	require.True(t, ok)
	_, err = f.Write(payload)
	require.NoError(t, err)
	require.NoError(t, s.ExclusiveToShared(f))
	require.NoError(t, s.UnlockAndClose(f))
	oldTime := time.Now().Add(-time.Hour)
	_ = os.Chtimes(s.EntryPath("rc_exempt"), oldTime, oldTime)
	_, err = s.UpdateCacheInfo("rc_exempt")
	require.NoError(t, err)

	require.NoError(t, s.UpdateAndPurge("rc_exempt"))

	_, err = os.Stat(s.EntryPath("rc_exempt"))
	assert.NoError(t, err, "exempt entry must survive purge")
}

func TestUpdateAndPurgeSkipsEntryHeldByAnotherLock(t *testing.T) {
	s := openTestStore(t, 1) // high water = 1MB, low water = 0.8MB

	payload := make([]byte, 500*1024)
	names := []string{"rc_0", "rc_1", "rc_2"}
	for i, name := range names {
		ok, f, err := s.CreateAndLock(name)
		require.NoError(t, err)
		require.True(t, ok)
		_, err = f.Write(payload)
		require.NoError(t, err)
		require.NoError(t, s.ExclusiveToShared(f))
		require.NoError(t, s.UnlockAndClose(f))

		// Oldest first, so rc_0 is purge's first candidate.
		oldTime := time.Now().Add(-time.Duration(len(names)-i) * time.Hour)
		_ = os.Chtimes(s.EntryPath(name), oldTime, oldTime)

		_, err = s.UpdateCacheInfo(name)
		require.NoError(t, err)
	}

	// Simulate another process reading rc_0: hold a lock on it across
	// the purge call. tryPurgeVictim's non-blocking exclusive probe must
	// fail against this held lock and skip the entry rather than delete
	// it out from under the reader.
	held, lockedFile, err := s.GetReadLock("rc_0")
	require.NoError(t, err)
	require.True(t, held)
	defer func() { _ = s.UnlockAndClose(lockedFile) }()

	require.NoError(t, s.UpdateAndPurge(""))

	_, err = os.Stat(s.EntryPath("rc_0"))
	assert.NoError(t, err, "entry held by another lock must survive purge")

	total, err := readAccounting(mustOpen(t, s.accountingPath()))
	require.NoError(t, err)
	oneMB := float64(1 << 20)
	assert.LessOrEqual(t, total, int64(oneMB*purgeLowWaterFraction),
		"purge must still reclaim the other entries even though rc_0 was skipped")

	_, err = os.Stat(s.EntryPath("rc_1"))
	assert.True(t, os.IsNotExist(err), "rc_1 should have been purged to make room")
}

func TestPurgeFileIsBestEffort(t *testing.T) {
	s := openTestStore(t, 20)
	// Removing a file that doesn't exist must not error.
	require.NoError(t, s.PurgeFile("does-not-exist"))
}

func mustOpen(t *testing.T, path string) *os.File {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}
