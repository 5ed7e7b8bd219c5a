package cache

import (
	"sort"
	"sync"
)

// KeyStat is the traffic of one composite key.
type KeyStat struct {
	Key    string `json:"key"`
	Hits   int64  `json:"hits"`
	Misses int64  `json:"misses"`
	Total  int64  `json:"total"`
}

// TypeStat is the traffic and size of one data type.
type TypeStat struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Size          int                   `json:"size"`
	TotalHits     int64                 `json:"totalHits"`
	TotalMisses   int64                 `json:"totalMisses"`
	HitRate       float64               `json:"hitRate"`
	TopKeys       []KeyStat             `json:"topKeys"`
	ByType        map[DataType]TypeStat `json:"byType"`
	RemoteEnabled bool                  `json:"remoteEnabled"`
}

type counter struct {
	hits, misses int64
}

// statistics keeps per-key counters behind its own lock so reading them
// never contends with the entry map.
type statistics struct {
	mu     sync.Mutex
	keys   map[string]*counter
	types  map[DataType]*counter
	hits   int64
	misses int64
}

func newStatistics() *statistics {
	return &statistics{
		keys:  make(map[string]*counter),
		types: make(map[DataType]*counter),
	}
}

func (s *statistics) hit(key string, dt DataType) {
	s.mu.Lock()
	s.hits++
	s.counterFor(key).hits++
	s.typeCounterFor(dt).hits++
	s.mu.Unlock()
}

func (s *statistics) miss(key string, dt DataType) {
	s.mu.Lock()
	s.misses++
	s.counterFor(key).misses++
	s.typeCounterFor(dt).misses++
	s.mu.Unlock()
}

func (s *statistics) counterFor(key string) *counter {
	c, ok := s.keys[key]
	if !ok {
		c = &counter{}
		s.keys[key] = c
	}
	return c
}

func (s *statistics) typeCounterFor(dt DataType) *counter {
	c, ok := s.types[dt]
	if !ok {
		c = &counter{}
		s.types[dt] = c
	}
	return c
}

func (s *statistics) reset() {
	s.mu.Lock()
	s.keys = make(map[string]*counter)
	s.types = make(map[DataType]*counter)
	s.hits, s.misses = 0, 0
	s.mu.Unlock()
}

func (s *statistics) snapshot(topN int) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Stats{
		TotalHits:   s.hits,
		TotalMisses: s.misses,
		ByType:      make(map[DataType]TypeStat, len(s.types)),
	}
	if total := s.hits + s.misses; total > 0 {
		out.HitRate = float64(s.hits) / float64(total)
	}

	for dt, c := range s.types {
		out.ByType[dt] = TypeStat{Hits: c.hits, Misses: c.misses}
	}

	keys := make([]KeyStat, 0, len(s.keys))
	for k, c := range s.keys {
		keys = append(keys, KeyStat{Key: k, Hits: c.hits, Misses: c.misses, Total: c.hits + c.misses})
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Total != keys[j].Total {
			return keys[i].Total > keys[j].Total
		}
		return keys[i].Key < keys[j].Key
	})
	if len(keys) > topN {
		keys = keys[:topN]
	}
	out.TopKeys = keys

	return out
}
