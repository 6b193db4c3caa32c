// Package partition assigns stream ids to fixed-size partitions and
// derives which live instance owns a given partition, by consistent
// hashing rather than a central assignment table.
package partition

import (
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Of returns the partition number for streamID in a space of p
// partitions. The same streamID always hashes to the same partition
// regardless of which instance computes it.
func Of(streamID string, p int) int {
	if p <= 0 {
		return 0
	}
	h := xxhash.Sum64String(streamID)
	return int(h % uint64(p))
}

// Rank computes the calling instance's position among live, ordered by
// id, and the total live count. Fair partition ownership is then
// partitionNum % liveCount == rank.
func Rank(self uuid.UUID, live []uuid.UUID) (rank, liveCount int) {
	ids := make([]uuid.UUID, len(live))
	copy(ids, live)
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})
	liveCount = len(ids)
	for i, id := range ids {
		if id == self {
			return i, liveCount
		}
	}
	return 0, liveCount
}

// Owns reports whether the instance at rank, out of liveCount live
// instances, owns the given partition under fair-share assignment.
func Owns(partitionNum, rank, liveCount int) bool {
	if liveCount <= 0 {
		return false
	}
	return partitionNum%liveCount == rank
}
