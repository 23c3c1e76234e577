// Package routing holds the versioned tenant-to-shard policy: the model,
// the store contract with compare-and-swap publishes, etcd-backed and
// in-memory stores, an audit trail of policy deltas, and a poller that
// keeps gateway instances on a monotonically advancing view.
package routing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/workersql/workersql/protocol"
)

// Assignment maps a tenant onto its owning shard, plus any dual-write
// mirrors active during a split.
type Assignment struct {
	Shard   string   `json:"shard"`
	Mirrors []string `json:"mirrors,omitempty"`
}

// DualWrite reports whether writes must mirror to additional shards.
func (a Assignment) DualWrite() bool { return len(a.Mirrors) != 0 }

// Range routes tenants without an explicit assignment by identifier
// prefix. Ranges are scanned in order; first match wins.
type Range struct {
	Prefix string `json:"prefix"`
	Shard  string `json:"shard"`
}

// Policy is one immutable routing version.
type Policy struct {
	Version uint64                `json:"version"`
	Tenants map[string]Assignment `json:"tenants,omitempty"`
	Ranges  []Range               `json:"ranges,omitempty"`
}

// Resolve maps a tenant to its assignment: the explicit entry when
// present, else the first matching range.
func (p *Policy) Resolve(tenant string) (Assignment, error) {
	if a, ok := p.Tenants[tenant]; ok {
		return a, nil
	}
	for _, r := range p.Ranges {
		if strings.HasPrefix(tenant, r.Prefix) {
			return Assignment{Shard: r.Shard}, nil
		}
	}
	return Assignment{}, protocol.NewError(protocol.CodeInternal,
		"routing policy v%d maps no shard for tenant %q", p.Version, tenant)
}

// Clone deep-copies the policy so a next version can be built without
// aliasing the published one.
func (p *Policy) Clone() *Policy {
	var next = &Policy{
		Version: p.Version,
		Tenants: make(map[string]Assignment, len(p.Tenants)),
		Ranges:  append([]Range(nil), p.Ranges...),
	}
	for tenant, a := range p.Tenants {
		next.Tenants[tenant] = Assignment{
			Shard:   a.Shard,
			Mirrors: append([]string(nil), a.Mirrors...),
		}
	}
	return next
}

// SetAssignment records an explicit tenant assignment.
func (p *Policy) SetAssignment(tenant string, a Assignment) {
	if p.Tenants == nil {
		p.Tenants = make(map[string]Assignment)
	}
	p.Tenants[tenant] = a
}

// Shards lists every shard the policy references, sorted and distinct.
func (p *Policy) Shards() []string {
	var set = make(map[string]bool)
	for _, a := range p.Tenants {
		set[a.Shard] = true
		for _, m := range a.Mirrors {
			set[m] = true
		}
	}
	for _, r := range p.Ranges {
		set[r.Shard] = true
	}
	var out = make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// SeedPolicy builds a bootstrap policy spreading tenants over shardCount
// shards named shard-0..shard-N-1, by leading identifier character, with
// a catch-all to shard-0.
func SeedPolicy(shardCount int) *Policy {
	if shardCount <= 0 {
		shardCount = 1
	}
	var p = &Policy{}
	var chars = "0123456789abcdefghijklmnopqrstuvwxyz"
	for i := 0; i < len(chars); i++ {
		p.Ranges = append(p.Ranges, Range{
			Prefix: chars[i : i+1],
			Shard:  fmt.Sprintf("shard-%d", i%shardCount),
		})
	}
	p.Ranges = append(p.Ranges, Range{Prefix: "", Shard: "shard-0"})
	return p
}
