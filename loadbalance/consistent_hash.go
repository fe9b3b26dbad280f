package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"meshrpc/registry"
)

// ConsistentHash maps a key (typically the command name) to an instance
// using a hash ring, so the same key keeps resolving to the same
// destination while the instance set is stable. Useful when a service
// instance builds per-command caches or sessions.
//
// Each real instance is placed on the ring as N virtual nodes; without
// them a handful of instances can cluster and skew the distribution.
type ConsistentHash struct {
	replicas int

	mu    sync.Mutex
	ring  []uint32
	nodes map[uint32]registry.Instance
	key   string
}

// NewConsistentHash creates a ring with 100 virtual nodes per instance.
func NewConsistentHash() *ConsistentHash {
	return &ConsistentHash{
		replicas: 100,
		nodes:    make(map[uint32]registry.Instance),
	}
}

// SetKey fixes the affinity key used by subsequent Picks.
func (b *ConsistentHash) SetKey(key string) {
	b.mu.Lock()
	b.key = key
	b.mu.Unlock()
}

// Pick rebuilds the ring if the instance set changed, then resolves the
// affinity key clockwise to the nearest virtual node.
func (b *ConsistentHash) Pick(instances []registry.Instance) (*registry.Instance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.rebuild(instances)

	hash := crc32.ChecksumIEEE([]byte(b.key))
	idx := sort.Search(len(b.ring), func(i int) bool { return b.ring[i] >= hash })
	if idx == len(b.ring) {
		idx = 0 // wrap around: ring property
	}
	inst := b.nodes[b.ring[idx]]
	return &inst, nil
}

func (b *ConsistentHash) rebuild(instances []registry.Instance) {
	if len(b.ring) == b.replicas*len(instances) {
		same := true
		for _, inst := range instances {
			h := crc32.ChecksumIEEE([]byte(virtualNode(inst, 0)))
			if existing, ok := b.nodes[h]; !ok || existing.DestHash != inst.DestHash {
				same = false
				break
			}
		}
		if same {
			return
		}
	}

	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]registry.Instance, b.replicas*len(instances))
	for _, inst := range instances {
		for i := 0; i < b.replicas; i++ {
			h := crc32.ChecksumIEEE([]byte(virtualNode(inst, i)))
			b.ring = append(b.ring, h)
			b.nodes[h] = inst
		}
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

func virtualNode(inst registry.Instance, i int) string {
	return fmt.Sprintf("%s#%d", inst.DestHash, i)
}

func (b *ConsistentHash) Name() string {
	return "ConsistentHash"
}
