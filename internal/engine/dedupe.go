package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"examguard/internal/model"
)

// DedupeCache remembers recently accepted frames so that redelivered frames (a
// consumer rebalance, a client retry) are dropped quietly instead of being reported
// as out of order.
type DedupeCache struct {
	items *expirable.LRU[string, struct{}]
}

func NewDedupeCache(size int, ttl time.Duration) *DedupeCache {
	if size <= 0 {
		size = 10000
	}
	return &DedupeCache{items: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

// Seen reports whether key was recorded within the TTL and records it otherwise.
func (d *DedupeCache) Seen(key string) bool {
	if d == nil {
		return false
	}
	if d.items.Contains(key) {
		return true
	}
	d.items.Add(key, struct{}{})
	return false
}

func hashFrame(f model.Frame) string {
	h := sha256.New()
	h.Write([]byte(f.SessionID))
	h.Write([]byte{'|'})
	h.Write([]byte(f.Timestamp.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte{'|'})
	h.Write(f.ImageData)
	return hex.EncodeToString(h.Sum(nil))
}
