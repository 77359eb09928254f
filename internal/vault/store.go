// Package vault implements the ephemeral object vault core: the quota
// ledger, shard placement, the on-disk object store, TTL expiration, and
// short download links.
package vault

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"

	"github.com/vaultmesh/vaultmesh/pkg/bytesize"
)

// Object is a stored vault object. It exists exactly as long as its backing
// bytes exist on its shard; the in-memory index holds the metadata and TTL.
type Object struct {
	ID        string
	Owner     string
	Filename  string
	SizeMB    float64
	Shard     int
	CreatedAt time.Time
	TTL       time.Duration
}

// StoreOptions configures optional store behavior.
type StoreOptions struct {
	TTL      time.Duration // default time-to-live for new objects
	Compress bool          // zstd-compress objects at rest
	Metrics  *Metrics      // optional, nil disables recording
}

// Store binds object bytes to shard-namespaced paths and keeps the quota
// ledger charged in step with them. Side effect ordering: bytes are written
// before the ledger is charged and removed before the ledger is released,
// so a crash between the two steps under-reports usage instead of leaking
// phantom charges.
//
// Directory structure:
//
//	{dataDir}/
//	  ledger.json
//	  shards/
//	    {shard}/
//	      {owner}/
//	        {filename}
type Store struct {
	dataDir  string
	ledger   *Ledger
	ttl      time.Duration
	compress bool
	metrics  *Metrics

	encoderPool sync.Pool
	decoderPool sync.Pool

	mu    sync.RWMutex
	index map[string]*Object // key: owner + "/" + filename
}

// NewStore creates a store rooted at dataDir, charging the given ledger.
func NewStore(dataDir string, ledger *Ledger, opts StoreOptions) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, "shards"), 0o755); err != nil {
		return nil, fmt.Errorf("create shards dir: %w", err)
	}

	s := &Store{
		dataDir:  dataDir,
		ledger:   ledger,
		ttl:      opts.TTL,
		compress: opts.Compress,
		metrics:  opts.Metrics,
		index:    make(map[string]*Object),
	}

	s.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	s.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}

	return s, nil
}

// DataDir returns the data directory path.
func (s *Store) DataDir() string { return s.dataDir }

func indexKey(owner, filename string) string {
	return owner + "/" + filename
}

// validName rejects empty components and anything that could escape the
// shard namespace once joined into a path.
func validName(name string) bool {
	if name == "" || strings.HasPrefix(name, "/") || strings.HasPrefix(name, ".") {
		return false
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}

func (s *Store) objectPath(shard int, owner, filename string) string {
	return filepath.Join(s.dataDir, "shards", strconv.Itoa(shard), owner, filename)
}

// Put writes the object bytes under shard/owner/filename, charges the
// ledger, and records the object with CreatedAt = now. A partial write
// (including caller disconnect via ctx) is rolled back: bytes removed, no
// ledger charge.
//
// Storing a second object under the same owner and filename replaces the
// first, releasing its charge.
func (s *Store) Put(ctx context.Context, owner, filename string, r io.Reader, shard int) (*Object, error) {
	if !validName(owner) || !validName(filename) {
		return nil, ErrInvalidName
	}

	dest := s.objectPath(shard, owner, filename)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("create owner dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".ingest-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	abort := func(err error) (*Object, error) {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return nil, err
	}

	n, err := s.writeBody(tmp, r)
	if err != nil {
		return abort(fmt.Errorf("store bytes: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return abort(err)
	}
	if err := tmp.Sync(); err != nil {
		return abort(fmt.Errorf("sync object: %w", err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("close object: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Replacing an existing object releases its charge first; the rename
	// below overwrites the bytes only when the shard is the same.
	if old, ok := s.index[indexKey(owner, filename)]; ok {
		s.removeLocked(old)
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("rename object: %w", err)
	}

	obj := &Object{
		ID:        uuid.NewString(),
		Owner:     owner,
		Filename:  filename,
		SizeMB:    bytesize.ToMB(n),
		Shard:     shard,
		CreatedAt: time.Now(),
		TTL:       s.ttl,
	}

	// Bytes are durable; charge the ledger. A failed commit under-reports
	// usage, which is the safe direction, so the object is kept.
	if err := s.ledger.Commit(shard, obj.SizeMB); err != nil {
		log.Error().Err(err).Int("shard", shard).Float64("size_mb", obj.SizeMB).
			Msg("ledger charge failed, usage under-reported")
	}

	s.index[indexKey(owner, filename)] = obj
	if s.metrics != nil {
		s.metrics.ObjectsActive.Inc()
		s.metrics.StoredMB.Add(obj.SizeMB)
		s.metrics.SetShardUsage(s.ledger.Load())
	}

	log.Debug().Str("owner", owner).Str("filename", filename).Int("shard", shard).
		Float64("size_mb", obj.SizeMB).Msg("object stored")
	return obj, nil
}

// writeBody copies r into f, optionally through zstd, and returns the
// plaintext byte count. Quota accounting always uses the logical size.
func (s *Store) writeBody(f *os.File, r io.Reader) (int64, error) {
	if !s.compress {
		return io.Copy(f, r)
	}

	enc := s.encoderPool.Get().(*zstd.Encoder)
	defer s.encoderPool.Put(enc)
	enc.Reset(f)

	n, err := io.Copy(enc, r)
	if err != nil {
		_ = enc.Close()
		return n, err
	}
	if err := enc.Close(); err != nil {
		return n, fmt.Errorf("flush compressor: %w", err)
	}
	return n, nil
}

// Delete removes the object's bytes and releases its ledger charge,
// returning the MB freed and whether the object was tracked at all. An
// untracked object reports found=false with no ledger commit, and
// already-missing bytes are treated as deleted; both keep the ledger math
// well-defined when racing with the reaper.
func (s *Store) Delete(owner, filename string) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.index[indexKey(owner, filename)]
	if !ok {
		return 0, false, nil
	}
	return s.removeLocked(obj), true, nil
}

// removeLocked removes bytes, releases the ledger, and drops the index
// entry. An I/O error removing the bytes is logged and the object is still
// dropped: retrying forever on a bad filesystem entry would leak the slot.
func (s *Store) removeLocked(obj *Object) float64 {
	path := s.objectPath(obj.Shard, obj.Owner, obj.Filename)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", path).Msg("failed to remove object bytes")
	}
	// Prune now-empty parent dirs up to the shard root. Filenames may carry
	// nested path segments, so this can climb several levels; os.Remove
	// fails harmlessly on a dir that still has entries.
	shardRoot := filepath.Join(s.dataDir, "shards", strconv.Itoa(obj.Shard))
	for dir := filepath.Dir(path); dir != shardRoot; dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			break
		}
	}

	if err := s.ledger.Commit(obj.Shard, -obj.SizeMB); err != nil {
		log.Error().Err(err).Int("shard", obj.Shard).Msg("ledger release failed")
	}
	delete(s.index, indexKey(obj.Owner, obj.Filename))

	if s.metrics != nil {
		s.metrics.ObjectsActive.Dec()
		s.metrics.SetShardUsage(s.ledger.Load())
	}
	return obj.SizeMB
}

// Open streams the object's bytes, transparently decompressing. The disk is
// the source of truth for existence: if the bytes are gone the index entry
// is dropped and ErrObjectNotFound returned.
func (s *Store) Open(owner, filename string) (io.ReadCloser, *Object, error) {
	s.mu.Lock()
	obj, ok := s.index[indexKey(owner, filename)]
	if !ok {
		s.mu.Unlock()
		return nil, nil, ErrObjectNotFound
	}

	f, err := os.Open(s.objectPath(obj.Shard, obj.Owner, obj.Filename))
	if err != nil {
		if os.IsNotExist(err) {
			delete(s.index, indexKey(owner, filename))
			s.mu.Unlock()
			return nil, nil, ErrObjectNotFound
		}
		s.mu.Unlock()
		return nil, nil, fmt.Errorf("open object: %w", err)
	}
	s.mu.Unlock()

	if !s.compress {
		return f, obj, nil
	}

	dec := s.decoderPool.Get().(*zstd.Decoder)
	if err := dec.Reset(f); err != nil {
		s.decoderPool.Put(dec)
		_ = f.Close()
		return nil, nil, fmt.Errorf("open compressed object: %w", err)
	}
	return &decompressReader{store: s, dec: dec, f: f}, obj, nil
}

type decompressReader struct {
	store *Store
	dec   *zstd.Decoder
	f     *os.File
}

func (r *decompressReader) Read(p []byte) (int, error) { return r.dec.Read(p) }

func (r *decompressReader) Close() error {
	_ = r.dec.Reset(nil)
	r.store.decoderPool.Put(r.dec)
	return r.f.Close()
}

// Get returns the tracked metadata for an object, if any.
func (s *Store) Get(owner, filename string) (*Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.index[indexKey(owner, filename)]
	return obj, ok
}

// Objects returns a snapshot of all tracked objects.
func (s *Store) Objects() []*Object {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Object, 0, len(s.index))
	for _, obj := range s.index {
		out = append(out, obj)
	}
	return out
}

// Count returns the number of tracked objects.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// Clear deletes every object belonging to owner and returns the total MB
// freed.
func (s *Store) Clear(owner string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var freed float64
	for _, obj := range s.index {
		if obj.Owner == owner {
			freed += s.removeLocked(obj)
		}
	}
	return freed, nil
}

// Restore rebuilds the in-memory index from the bytes found on disk and
// resets the ledger to match. Called once at startup so objects that
// survived a restart are tracked again and eventually expired; their
// CreatedAt is taken from file modification time.
//
// When compression is enabled the recovered sizes are the on-disk sizes,
// which slightly under-charge relative to the original logical sizes.
func (s *Store) Restore() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	shardsDir := filepath.Join(s.dataDir, "shards")
	entries, err := os.ReadDir(shardsDir)
	if err != nil {
		return fmt.Errorf("read shards dir: %w", err)
	}

	usage := make(map[int]float64)
	restored := 0

	for _, shardEntry := range entries {
		if !shardEntry.IsDir() {
			continue
		}
		shard, err := strconv.Atoi(shardEntry.Name())
		if err != nil {
			continue
		}

		shardDir := filepath.Join(shardsDir, shardEntry.Name())
		ownerEntries, err := os.ReadDir(shardDir)
		if err != nil {
			log.Warn().Err(err).Str("dir", shardDir).Msg("skipping unreadable shard dir")
			continue
		}

		for _, ownerEntry := range ownerEntries {
			if !ownerEntry.IsDir() {
				continue
			}
			owner := ownerEntry.Name()
			ownerDir := filepath.Join(shardDir, owner)

			// Filenames may carry nested path segments, so walk the whole
			// owner tree rather than one directory level.
			walkErr := filepath.WalkDir(ownerDir, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return nil
				}
				if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
					return nil
				}
				info, err := d.Info()
				if err != nil {
					return nil
				}
				rel, err := filepath.Rel(ownerDir, path)
				if err != nil {
					return nil
				}
				filename := filepath.ToSlash(rel)

				obj := &Object{
					ID:        uuid.NewString(),
					Owner:     owner,
					Filename:  filename,
					SizeMB:    bytesize.ToMB(info.Size()),
					Shard:     shard,
					CreatedAt: info.ModTime(),
					TTL:       s.ttl,
				}
				s.index[indexKey(owner, filename)] = obj
				usage[shard] += obj.SizeMB
				restored++
				return nil
			})
			if walkErr != nil {
				log.Warn().Err(walkErr).Str("dir", ownerDir).Msg("skipping unreadable owner dir")
			}
		}
	}

	if err := s.ledger.Reset(usage); err != nil {
		return fmt.Errorf("reset ledger: %w", err)
	}
	if s.metrics != nil {
		s.metrics.ObjectsActive.Set(float64(restored))
		s.metrics.SetShardUsage(usage)
	}

	if restored > 0 {
		log.Info().Int("objects", restored).Msg("restored vault index from disk")
	}
	return nil
}
