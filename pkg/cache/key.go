package cache

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/cespare/xxhash/v2"

	"github.com/conveyorci/conveyor/pkg/domain"
)

// KeyFor derives the cache key for a source compiled by the given engine.
// The content hash covers the full source, so identical content always maps
// to the same key and changed content never collides with a live entry.
func KeyFor(desc domain.EngineDescriptor, content []byte) domain.CacheKey {
	sum := xxhash.Sum64(content)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], sum)
	return domain.CacheKey{
		EngineID:      desc.ID,
		EngineVersion: desc.Version,
		ContentHash:   hex.EncodeToString(buf[:]),
	}
}
