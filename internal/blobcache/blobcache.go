// Package blobcache keeps original document bytes on disk, keyed by
// source hash, so unchanged documents are never downloaded twice.
// Values above a size floor are LZ4-compressed before they hit pebble.
package blobcache

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pierrec/lz4"

	"github.com/paperspark/spark/internal/extract"
	"github.com/paperspark/spark/internal/logging"
)

var _ extract.BlobCache = (*Store)(nil)

const (
	headerSize      = 5   // flag byte + uint32 raw length
	minCompressSize = 128 // tiny blobs stay uncompressed

	flagRaw = 0
	flagLZ4 = 1
)

// Config tunes the cache. Zero values get defaults.
type Config struct {
	Path       string
	HotEntries int // in-memory LRU slots in front of the disk store
}

// Stats is a point-in-time view of the cache counters.
type Stats struct {
	Hits    int64 `json:"hits"`
	HotHits int64 `json:"hot_hits"`
	Misses  int64 `json:"misses"`
	Puts    int64 `json:"puts"`
}

// Store is a content-addressed blob cache over pebble. A nil *Store is
// a valid cache that never hits and drops writes.
type Store struct {
	db     *pebble.DB
	hot    *lru.Cache[string, []byte]
	logger logging.Logger

	hits    atomic.Int64
	hotHits atomic.Int64
	misses  atomic.Int64
	puts    atomic.Int64
}

// Open opens or creates the cache at cfg.Path.
func Open(cfg Config, logger logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("blobcache: path is required")
	}
	if cfg.HotEntries <= 0 {
		cfg.HotEntries = 128
	}

	hot, err := lru.New[string, []byte](cfg.HotEntries)
	if err != nil {
		return nil, fmt.Errorf("blobcache: hot cache: %w", err)
	}

	if err := os.MkdirAll(cfg.Path, 0755); err != nil {
		return nil, fmt.Errorf("blobcache: create %s: %w", cfg.Path, err)
	}

	opts := &pebble.Options{
		Cache:        pebble.NewCache(32 << 20),
		MaxOpenFiles: 256,
		Levels: []pebble.LevelOptions{{
			BlockSize:    32 << 10,
			FilterPolicy: bloom.FilterPolicy(10),
			FilterType:   pebble.TableFilter,
			// Values are LZ4-compressed above the storage layer.
			Compression: pebble.NoCompression,
		}},
	}
	db, err := pebble.Open(cfg.Path, opts)
	if err != nil {
		return nil, fmt.Errorf("blobcache: open %s: %w", cfg.Path, err)
	}

	return &Store{db: db, hot: hot, logger: logger}, nil
}

// Get returns the cached bytes for hash. The slice is shared with the
// hot layer and must be treated as read-only. Read failures count as
// misses; a cache must never fail the pipeline.
func (s *Store) Get(hash string) ([]byte, bool) {
	if s == nil {
		return nil, false
	}
	if blob, ok := s.hot.Get(hash); ok {
		s.hits.Add(1)
		s.hotHits.Add(1)
		return blob, true
	}

	value, closer, err := s.db.Get([]byte(hash))
	if err != nil {
		if err != pebble.ErrNotFound {
			s.logger.Warn("blob read failed", "hash", hash, "error", err)
		}
		s.misses.Add(1)
		return nil, false
	}
	defer closer.Close()

	blob, err := decode(value)
	if err != nil {
		s.logger.Warn("discarding corrupt blob", "hash", hash, "error", err)
		s.misses.Add(1)
		return nil, false
	}

	s.hot.Add(hash, blob)
	s.hits.Add(1)
	return blob, true
}

// Put stores the blob under its source hash. NoSync matches the cache
// role: losing an entry costs one re-download, not correctness.
func (s *Store) Put(hash string, blob []byte) error {
	if s == nil {
		return nil
	}
	if hash == "" {
		return fmt.Errorf("blobcache: empty hash")
	}

	if err := s.db.Set([]byte(hash), encode(blob), pebble.NoSync); err != nil {
		return fmt.Errorf("blobcache: write %s: %w", hash, err)
	}

	stored := make([]byte, len(blob))
	copy(stored, blob)
	s.hot.Add(hash, stored)
	s.puts.Add(1)
	return nil
}

// Has reports presence without decoding the value.
func (s *Store) Has(hash string) bool {
	if s == nil {
		return false
	}
	if s.hot.Contains(hash) {
		return true
	}
	_, closer, err := s.db.Get([]byte(hash))
	if err != nil {
		return false
	}
	closer.Close()
	return true
}

// Stats returns the counters collected since Open.
func (s *Store) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		Hits:    s.hits.Load(),
		HotHits: s.hotHits.Load(),
		Misses:  s.misses.Load(),
		Puts:    s.puts.Load(),
	}
}

// Close flushes pending writes and releases the store.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Flush(); err != nil {
		s.db.Close()
		return fmt.Errorf("blobcache: flush: %w", err)
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("blobcache: close: %w", err)
	}
	s.db = nil
	return nil
}

// encode prefixes the blob with a flag byte and its raw length.
// Compression is kept only when it saves more than a tenth.
func encode(blob []byte) []byte {
	flag := byte(flagRaw)
	payload := blob

	if len(blob) >= minCompressSize {
		dst := make([]byte, lz4.CompressBlockBound(len(blob)))
		if n, err := lz4.CompressBlock(blob, dst, nil); err == nil && n > 0 && n < len(blob)*9/10 {
			flag = flagLZ4
			payload = dst[:n]
		}
	}

	out := make([]byte, headerSize+len(payload))
	out[0] = flag
	binary.LittleEndian.PutUint32(out[1:5], uint32(len(blob)))
	copy(out[headerSize:], payload)
	return out
}

// decode copies the blob out of a pebble value, inflating when the
// record was compressed. The returned slice is safe to keep.
func decode(value []byte) ([]byte, error) {
	if len(value) < headerSize {
		return nil, fmt.Errorf("blobcache: record too short (%d bytes)", len(value))
	}
	rawLen := int(binary.LittleEndian.Uint32(value[1:5]))
	payload := value[headerSize:]

	switch value[0] {
	case flagRaw:
		if rawLen != len(payload) {
			return nil, fmt.Errorf("blobcache: length mismatch: header %d, payload %d", rawLen, len(payload))
		}
		blob := make([]byte, rawLen)
		copy(blob, payload)
		return blob, nil
	case flagLZ4:
		blob := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(payload, blob)
		if err != nil {
			return nil, fmt.Errorf("blobcache: decompress: %w", err)
		}
		if n != rawLen {
			return nil, fmt.Errorf("blobcache: decompress length mismatch: header %d, got %d", rawLen, n)
		}
		return blob, nil
	default:
		return nil, fmt.Errorf("blobcache: unknown record flag %d", value[0])
	}
}
