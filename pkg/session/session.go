// Package session keeps the volume of an interactive session so that the
// viewer may omit it from follow-up calls.
//
// Entries live in a fixed-size freecache and expire after a TTL. Eviction is
// silent: a caller that finds nothing must resend the volume.
package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"strconv"
	"time"

	"github.com/coocood/freecache"
)

// MaxIDLength bounds client supplied session ids
const MaxIDLength = 128

// ErrTooLarge is returned by Put for tokens that would take more than a
// quarter of the cache.
var ErrTooLarge = errors.New("session entry too large for cache")

const (
	manifestLen = 12
	// 24 byte freecache entry header plus the longest chunk key
	chunkOverhead = 24 + len("s::") + MaxIDLength + 10
)

// Options configures a Store
type Options struct {
	// SizeBytes is the memory budget; freecache enforces a 512KB minimum
	SizeBytes int

	// TTL is how long an entry lives after its last Put or Get. Zero never expires.
	TTL time.Duration

	// Timer overrides the cache clock, for tests
	Timer freecache.Timer
}

// Store maps session ids to volume tokens.
type Store struct {
	cache     *freecache.Cache
	ttl       int
	chunkSize int
	maxSize   int
}

// New creates a store
func New(opts Options) *Store {
	cache := freecache.NewCacheCustomTimer(opts.SizeBytes, opts.Timer)
	size := opts.SizeBytes
	if size < 512*1024 {
		size = 512 * 1024
	}
	return &Store{
		cache:     cache,
		ttl:       int(opts.TTL / time.Second),
		chunkSize: size/1024 - chunkOverhead,
		maxSize:   size / 4,
	}
}

// ValidID reports whether id can be used as a session key
func ValidID(id string) bool {
	return id != "" && len(id) <= MaxIDLength
}

func manifestKey(id string) []byte {
	return []byte("s:" + id)
}

func chunkKey(id string, i int) []byte {
	return []byte("s:" + id + ":" + strconv.Itoa(i))
}

// Put stores token under id, replacing any previous entry. Tokens larger than
// one cache segment are split into chunks.
func (s *Store) Put(id, token string) error {
	if !ValidID(id) {
		return fmt.Errorf("invalid session id")
	}
	if len(token) > s.maxSize {
		return ErrTooLarge
	}
	data := []byte(token)

	chunks := 0
	for off := 0; off < len(data) || chunks == 0; off += s.chunkSize {
		end := off + s.chunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := s.cache.Set(chunkKey(id, chunks), data[off:end], s.ttl); err != nil {
			return fmt.Errorf("storing session chunk %d: %w", chunks, err)
		}
		chunks++
	}

	var manifest [manifestLen]byte
	binary.LittleEndian.PutUint32(manifest[0:], uint32(chunks))
	binary.LittleEndian.PutUint32(manifest[4:], uint32(len(data)))
	binary.LittleEndian.PutUint32(manifest[8:], crc32.ChecksumIEEE(data))
	return s.cache.Set(manifestKey(id), manifest[:], s.ttl)
}

// Get returns the token stored under id and refreshes its TTL. A partially
// evicted or overwritten entry is reported as missing.
func (s *Store) Get(id string) (string, bool) {
	if !ValidID(id) {
		return "", false
	}
	manifest, err := s.cache.Get(manifestKey(id))
	if err != nil || len(manifest) != manifestLen {
		return "", false
	}
	chunks := int(binary.LittleEndian.Uint32(manifest[0:]))
	size := int(binary.LittleEndian.Uint32(manifest[4:]))
	sum := binary.LittleEndian.Uint32(manifest[8:])

	data := make([]byte, 0, size)
	for i := 0; i < chunks; i++ {
		part, err := s.cache.Get(chunkKey(id, i))
		if err != nil {
			s.Delete(id)
			return "", false
		}
		data = append(data, part...)
	}
	if len(data) != size || crc32.ChecksumIEEE(data) != sum {
		s.Delete(id)
		return "", false
	}

	if s.ttl > 0 {
		for i := 0; i < chunks; i++ {
			s.cache.Touch(chunkKey(id, i), s.ttl)
		}
		s.cache.Touch(manifestKey(id), s.ttl)
	}
	return string(data), true
}

// Delete drops the entry of id
func (s *Store) Delete(id string) {
	manifest, err := s.cache.Get(manifestKey(id))
	s.cache.Del(manifestKey(id))
	if err != nil || len(manifest) != manifestLen {
		return
	}
	chunks := int(binary.LittleEndian.Uint32(manifest[0:]))
	for i := 0; i < chunks; i++ {
		s.cache.Del(chunkKey(id, i))
	}
}

// Stats reports cache occupancy for logging
func (s *Store) Stats() (entries, evictions int64, hitRate float64) {
	return s.cache.EntryCount(), s.cache.EvacuateCount(), s.cache.HitRate()
}
