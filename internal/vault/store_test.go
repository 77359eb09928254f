package vault

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultmesh/vaultmesh/pkg/bytesize"
)

func newTestStore(t *testing.T, opts StoreOptions) (*Store, *Ledger) {
	t.Helper()
	dir := t.TempDir()
	ledger := NewLedger(filepath.Join(dir, "ledger.json"))
	store, err := NewStore(dir, ledger, opts)
	require.NoError(t, err)
	return store, ledger
}

func mustPut(t *testing.T, s *Store, owner, filename, content string, shard int) *Object {
	t.Helper()
	obj, err := s.Put(context.Background(), owner, filename, strings.NewReader(content), shard)
	require.NoError(t, err)
	return obj
}

func readObject(t *testing.T, s *Store, owner, filename string) string {
	t.Helper()
	rc, _, err := s.Open(owner, filename)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestStorePutAndOpen(t *testing.T) {
	s, ledger := newTestStore(t, StoreOptions{})

	content := "hello vault"
	obj := mustPut(t, s, "alice", "greeting.txt", content, 1)

	assert.NotEmpty(t, obj.ID)
	assert.Equal(t, 1, obj.Shard)
	assert.Equal(t, bytesize.ToMB(int64(len(content))), obj.SizeMB)
	assert.False(t, obj.CreatedAt.IsZero())

	assert.Equal(t, content, readObject(t, s, "alice", "greeting.txt"))
	assert.Equal(t, obj.SizeMB, ledger.Usage(1))
}

func TestStorePutWritesBytesUnderShardPath(t *testing.T) {
	s, _ := newTestStore(t, StoreOptions{})
	mustPut(t, s, "alice", "a.bin", "data", 2)

	path := filepath.Join(s.DataDir(), "shards", "2", "alice", "a.bin")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
}

func TestStoreQuotaConservation(t *testing.T) {
	s, ledger := newTestStore(t, StoreOptions{})

	a := mustPut(t, s, "alice", "a.bin", strings.Repeat("x", 2048), 1)
	b := mustPut(t, s, "alice", "b.bin", strings.Repeat("y", 4096), 1)
	c := mustPut(t, s, "bob", "c.bin", strings.Repeat("z", 1024), 2)

	assert.InDelta(t, a.SizeMB+b.SizeMB, ledger.Usage(1), 1e-9)
	assert.InDelta(t, c.SizeMB, ledger.Usage(2), 1e-9)

	freed, found, err := s.Delete("alice", "a.bin")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, a.SizeMB, freed)
	assert.InDelta(t, b.SizeMB, ledger.Usage(1), 1e-9)

	freed, _, err = s.Delete("alice", "b.bin")
	require.NoError(t, err)
	assert.Equal(t, b.SizeMB, freed)
	assert.Equal(t, 0.0, ledger.Usage(1))
}

func TestStoreDeleteUntrackedIsNoop(t *testing.T) {
	s, ledger := newTestStore(t, StoreOptions{})

	freed, found, err := s.Delete("nobody", "nothing.bin")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 0.0, freed)
	assert.Equal(t, 0.0, ledger.Usage(1))
}

func TestStoreDeleteRemovesBytesAndOwnerDir(t *testing.T) {
	s, _ := newTestStore(t, StoreOptions{})
	mustPut(t, s, "alice", "a.bin", "data", 1)

	ownerDir := filepath.Join(s.DataDir(), "shards", "1", "alice")
	_, _, err := s.Delete("alice", "a.bin")
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(ownerDir, "a.bin"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(ownerDir)
	assert.True(t, os.IsNotExist(err), "empty owner dir should be pruned")
}

func TestStoreDeleteMissingBytesStillReleases(t *testing.T) {
	s, ledger := newTestStore(t, StoreOptions{})
	obj := mustPut(t, s, "alice", "a.bin", "data", 1)

	// Bytes vanish behind the store's back.
	require.NoError(t, os.Remove(filepath.Join(s.DataDir(), "shards", "1", "alice", "a.bin")))

	freed, _, err := s.Delete("alice", "a.bin")
	require.NoError(t, err)
	assert.Equal(t, obj.SizeMB, freed)
	assert.Equal(t, 0.0, ledger.Usage(1))
}

func TestStorePutReplacesExistingObject(t *testing.T) {
	s, ledger := newTestStore(t, StoreOptions{})

	mustPut(t, s, "alice", "a.bin", strings.Repeat("x", 4096), 1)
	obj := mustPut(t, s, "alice", "a.bin", "tiny", 1)

	assert.Equal(t, "tiny", readObject(t, s, "alice", "a.bin"))
	assert.InDelta(t, obj.SizeMB, ledger.Usage(1), 1e-9)
	assert.Equal(t, 1, s.Count())
}

func TestStorePutRejectsBadNames(t *testing.T) {
	s, _ := newTestStore(t, StoreOptions{})

	for _, tc := range []struct{ owner, filename string }{
		{"", "a.bin"},
		{"alice", ""},
		{"../alice", "a.bin"},
		{"alice", "../../etc/passwd"},
		{"alice", "/abs/path"},
		{".hidden", "a.bin"},
	} {
		_, err := s.Put(context.Background(), tc.owner, tc.filename, strings.NewReader("x"), 1)
		assert.ErrorIs(t, err, ErrInvalidName, "owner=%q filename=%q", tc.owner, tc.filename)
	}
}

func TestStorePutRollsBackOnCancelledContext(t *testing.T) {
	s, ledger := newTestStore(t, StoreOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Put(ctx, "alice", "a.bin", strings.NewReader("data"), 1)
	assert.Error(t, err)

	// No bytes, no charge, no index entry.
	assert.Equal(t, 0.0, ledger.Usage(1))
	_, ok := s.Get("alice", "a.bin")
	assert.False(t, ok)

	entries, err := os.ReadDir(filepath.Join(s.DataDir(), "shards", "1", "alice"))
	if err == nil {
		assert.Empty(t, entries, "partial write should be removed")
	}
}

func TestStoreOpenMissing(t *testing.T) {
	s, _ := newTestStore(t, StoreOptions{})

	_, _, err := s.Open("alice", "nope.bin")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestStoreDiskIsSourceOfTruthForExistence(t *testing.T) {
	s, _ := newTestStore(t, StoreOptions{})
	mustPut(t, s, "alice", "a.bin", "data", 1)

	require.NoError(t, os.Remove(filepath.Join(s.DataDir(), "shards", "1", "alice", "a.bin")))

	_, _, err := s.Open("alice", "a.bin")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	// The stale index entry is dropped too.
	_, ok := s.Get("alice", "a.bin")
	assert.False(t, ok)
}

func TestStoreCompressedRoundTrip(t *testing.T) {
	s, ledger := newTestStore(t, StoreOptions{Compress: true})

	content := strings.Repeat("compressible content ", 1000)
	obj := mustPut(t, s, "alice", "big.txt", content, 1)

	// Quota accounting uses the logical size, not the compressed size.
	assert.Equal(t, bytesize.ToMB(int64(len(content))), obj.SizeMB)
	assert.Equal(t, obj.SizeMB, ledger.Usage(1))

	assert.Equal(t, content, readObject(t, s, "alice", "big.txt"))

	// The file on disk actually shrank.
	info, err := os.Stat(filepath.Join(s.DataDir(), "shards", "1", "alice", "big.txt"))
	require.NoError(t, err)
	assert.Less(t, info.Size(), int64(len(content)))
}

func TestStoreClear(t *testing.T) {
	s, ledger := newTestStore(t, StoreOptions{})

	a := mustPut(t, s, "alice", "a.bin", strings.Repeat("x", 1024), 1)
	b := mustPut(t, s, "alice", "b.bin", strings.Repeat("y", 2048), 2)
	mustPut(t, s, "bob", "c.bin", "keep me", 1)

	freed, err := s.Clear("alice")
	require.NoError(t, err)
	assert.InDelta(t, a.SizeMB+b.SizeMB, freed, 1e-9)

	_, ok := s.Get("alice", "a.bin")
	assert.False(t, ok)
	_, ok = s.Get("bob", "c.bin")
	assert.True(t, ok)
	assert.Equal(t, 0.0, ledger.Usage(2))
}

func TestStoreRestore(t *testing.T) {
	dir := t.TempDir()
	ledger := NewLedger(filepath.Join(dir, "ledger.json"))

	s, err := NewStore(dir, ledger, StoreOptions{})
	require.NoError(t, err)
	obj := mustPut(t, s, "alice", "a.bin", strings.Repeat("x", 4096), 1)
	mustPut(t, s, "bob", "b.bin", strings.Repeat("y", 2048), 2)

	// Simulate a restart: fresh store over the same data dir.
	s2, err := NewStore(dir, ledger, StoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, s2.Count())

	require.NoError(t, s2.Restore())
	assert.Equal(t, 2, s2.Count())

	got, ok := s2.Get("alice", "a.bin")
	require.True(t, ok)
	assert.Equal(t, 1, got.Shard)
	assert.Equal(t, obj.SizeMB, got.SizeMB)

	// The ledger was rebuilt from disk state.
	assert.InDelta(t, obj.SizeMB, ledger.Usage(1), 1e-9)
	assert.Equal(t, "x", readObject(t, s2, "alice", "a.bin")[:1])
}

func TestStoreNestedFilenameRoundTrip(t *testing.T) {
	s, ledger := newTestStore(t, StoreOptions{})

	obj := mustPut(t, s, "alice", "reports/q3/summary.pdf", "quarterly numbers", 1)
	assert.Equal(t, "quarterly numbers", readObject(t, s, "alice", "reports/q3/summary.pdf"))
	assert.Equal(t, obj.SizeMB, ledger.Usage(1))

	freed, found, err := s.Delete("alice", "reports/q3/summary.pdf")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, obj.SizeMB, freed)
	assert.Equal(t, 0.0, ledger.Usage(1))

	// The whole nested tree is pruned, not just the leaf dir.
	_, err = os.Stat(filepath.Join(s.DataDir(), "shards", "1", "alice"))
	assert.True(t, os.IsNotExist(err), "nested owner tree should be pruned")
}

func TestStoreRestoreFindsNestedObjects(t *testing.T) {
	dir := t.TempDir()
	ledger := NewLedger(filepath.Join(dir, "ledger.json"))

	s, err := NewStore(dir, ledger, StoreOptions{})
	require.NoError(t, err)
	obj := mustPut(t, s, "alice", "a/b.txt", strings.Repeat("x", 2048), 1)

	// Restart: an object stored under a nested filename must come back,
	// or its bytes would sit on disk uncharged and never expire.
	s2, err := NewStore(dir, ledger, StoreOptions{})
	require.NoError(t, err)
	require.NoError(t, s2.Restore())

	require.Equal(t, 1, s2.Count())
	got, ok := s2.Get("alice", "a/b.txt")
	require.True(t, ok)
	assert.Equal(t, 1, got.Shard)
	assert.InDelta(t, obj.SizeMB, ledger.Usage(1), 1e-9)
	assert.Equal(t, strings.Repeat("x", 2048), readObject(t, s2, "alice", "a/b.txt"))
}

func TestStoreRestoreIgnoresStrayFiles(t *testing.T) {
	dir := t.TempDir()
	ledger := NewLedger(filepath.Join(dir, "ledger.json"))
	s, err := NewStore(dir, ledger, StoreOptions{})
	require.NoError(t, err)

	// Leftover temp file and a non-numeric shard dir.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "shards", "1", "alice"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shards", "1", "alice", ".ingest-x.tmp"), []byte("junk"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "shards", "bogus"), 0o755))

	require.NoError(t, s.Restore())
	assert.Equal(t, 0, s.Count())
}

func TestStoreObjectsSnapshot(t *testing.T) {
	s, _ := newTestStore(t, StoreOptions{})
	mustPut(t, s, "alice", "a.bin", "1", 1)
	mustPut(t, s, "bob", "b.bin", "2", 1)

	objs := s.Objects()
	assert.Len(t, objs, 2)

	var buf bytes.Buffer
	for _, o := range objs {
		buf.WriteString(o.Owner)
	}
	assert.Contains(t, buf.String(), "alice")
	assert.Contains(t, buf.String(), "bob")
}
