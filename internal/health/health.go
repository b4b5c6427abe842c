// Package health assembles the per-miner summaries emitted at the end of
// each pipeline cycle, keeps the latest one per miner for the query API and
// fans each cycle's batch out to stream subscribers.
package health

import (
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ArabotHXL/BTC-project-sub002/internal/rules"
)

// StateOK is the health state of a miner with no active issues and no
// elevated failure risk.
const StateOK = "OK"

// Issue is one active problem contributing to a miner's health state.
type Issue struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
}

// Object is the per-miner health summary.
type Object struct {
	SiteID      int64     `json:"site_id"`
	MinerID     string    `json:"miner_id"`
	HealthState string    `json:"health_state"` // P0 | P1 | P2 | P3 | OK
	Issues      []Issue   `json:"issues"`
	PFail24h    float64   `json:"p_fail_24h"`
	LastSeenTS  time.Time `json:"last_seen_ts"`
	AssessedAt  time.Time `json:"assessed_at"`
}

// Assess derives a miner's health object from its active issues and failure
// probability. The state is the worst issue severity; a high failure
// probability raises it (> 0.8 to at least P1, > 0.5 to at least P2) but
// never lowers it.
func Assess(siteID int64, minerID string, issues []Issue, pfail float64, lastSeen, assessedAt time.Time) Object {
	sorted := make([]Issue, len(issues))
	copy(sorted, issues)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := rules.Severity(sorted[i].Severity).Rank(), rules.Severity(sorted[j].Severity).Rank()
		if ri != rj {
			return ri > rj
		}
		return sorted[i].Code < sorted[j].Code
	})

	state := StateOK
	rank := 0
	if len(sorted) > 0 {
		state = sorted[0].Severity
		rank = rules.Severity(state).Rank()
	}
	switch {
	case pfail > 0.8 && rank < rules.SeverityP1.Rank():
		state = string(rules.SeverityP1)
	case pfail > 0.5 && rank < rules.SeverityP2.Rank():
		state = string(rules.SeverityP2)
	}

	return Object{
		SiteID:      siteID,
		MinerID:     minerID,
		HealthState: state,
		Issues:      sorted,
		PFail24h:    pfail,
		LastSeenTS:  lastSeen,
		AssessedAt:  assessedAt,
	}
}

// Cache keeps the most recent health object per miner. Entries expire after
// the TTL so a miner that stops reporting ages out of the API instead of
// serving a stale assessment forever.
type Cache struct {
	lru *expirable.LRU[string, Object]
}

// NewCache creates a cache bounded to size entries expiring after ttl.
func NewCache(size int, ttl time.Duration) *Cache {
	if size < 1 {
		size = 100000
	}
	return &Cache{lru: expirable.NewLRU[string, Object](size, nil, ttl)}
}

// Put stores a batch of health objects.
func (c *Cache) Put(objs []Object) {
	for _, obj := range objs {
		c.lru.Add(obj.MinerID, obj)
	}
}

// Get returns the latest health object for a miner.
func (c *Cache) Get(minerID string) (Object, bool) {
	return c.lru.Get(minerID)
}

// Snapshot returns all live health objects ordered by site then miner.
func (c *Cache) Snapshot() []Object {
	objs := c.lru.Values()
	sort.Slice(objs, func(i, j int) bool {
		if objs[i].SiteID != objs[j].SiteID {
			return objs[i].SiteID < objs[j].SiteID
		}
		return objs[i].MinerID < objs[j].MinerID
	})
	return objs
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}
