package importer

import (
	"context"
	"math"
	"sync"

	"github.com/spaolacci/murmur3"

	"github.com/healthdb/healthdb/internal/healthdb"
	"github.com/healthdb/healthdb/pkg/types"
)

// seenFilter is a bloom filter over imported content hashes. A miss means
// the hash was never imported; a hit still needs a files table lookup.
type seenFilter struct {
	mu        sync.RWMutex
	bits      []uint64
	numBits   uint64
	numHashes uint64
}

// newSeenFilter sizes a filter for n hashes at a 1% false positive rate.
func newSeenFilter(n int) *seenFilter {
	if n < 1024 {
		n = 1024
	}
	const fpr = 0.01
	m := math.Ceil(-float64(n) * math.Log(fpr) / (math.Ln2 * math.Ln2))
	k := math.Max(1, math.Round(m/float64(n)*math.Ln2))
	words := (uint64(m) + 63) / 64
	return &seenFilter{
		bits:      make([]uint64, words),
		numBits:   words * 64,
		numHashes: uint64(k),
	}
}

// positions uses double hashing: bit i is h1 + i*h2.
func (f *seenFilter) positions(hash string, fn func(pos uint64)) {
	h1, h2 := murmur3.Sum128([]byte(hash))
	for i := uint64(0); i < f.numHashes; i++ {
		fn((h1 + i*h2) % f.numBits)
	}
}

func (f *seenFilter) Add(hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions(hash, func(pos uint64) {
		f.bits[pos/64] |= 1 << (pos % 64)
	})
}

func (f *seenFilter) MayContain(hash string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	found := true
	f.positions(hash, func(pos uint64) {
		if f.bits[pos/64]&(1<<(pos%64)) == 0 {
			found = false
		}
	})
	return found
}

// loadSeen builds the filter from the files table on first use.
func (im *Importer) loadSeen(ctx context.Context) (*seenFilter, error) {
	im.seenMu.Lock()
	defer im.seenMu.Unlock()
	if im.seen != nil {
		return im.seen, nil
	}
	rows, err := im.dbs.Garmin.Reader(healthdb.Files).FindAll(ctx, types.Record{})
	if err != nil {
		return nil, err
	}
	f := newSeenFilter(2 * len(rows))
	for _, row := range rows {
		if h, ok := row["hash"].(string); ok && h != "" {
			f.Add(h)
		}
	}
	im.seen = f
	return f, nil
}
