package dnsresolve

import (
	"math/rand"
	"net"
	"time"
)

// Select implements dns_select: RFC 2782 weighted selection over an entry's
// unexpired results, partitioned into reusable/IPv6/IPv4/bad lists per
// spec §4.2.
//
// reusable reports whether a candidate's "ip/port" is already present in
// the connection table's out_host index (so reuse is preferred over
// opening a fresh connection). bad reports whether a candidate is in the
// bad-host cache. Both are injected so this package has no dependency on
// conntable.
//
// Select returns the chosen Result, or nil if every list was empty (the
// caller must treat this as out_route's hard-failure path).
func (c *Cache) Select(entry *CacheEntry, now time.Time, allowBad bool, reusable func(hostPort string) bool) *Result {
	var (
		reuse, v6, v4, bad []*Result
		reuseW, v6W, v4W, badW int64
		reuseMinPrio, v6MinPrio, v4MinPrio, badMinPrio = -1, -1, -1, -1
		sawExpiredSibling bool
	)

	accumulate := func(list *[]*Result, weight *int64, minPrio *int, r *Result) {
		if *minPrio == -1 || r.Prio < *minPrio {
			*minPrio = r.Prio
			*list = (*list)[:0]
			*weight = 0
		}
		if r.Prio == *minPrio {
			*list = append(*list, r)
			*weight += r.Weight
		}
	}

	for key, r := range entry.Results {
		if now.After(r.Expiry) {
			sawExpiredSibling = true
			continue
		}
		isBad := c.IsBad(key, now)

		switch {
		case reusable != nil && reusable(key):
			accumulate(&reuse, &reuseW, &reuseMinPrio, r)
		case isBad:
			accumulate(&bad, &badW, &badMinPrio, r)
		case net.ParseIP(r.IP).To4() == nil:
			accumulate(&v6, &v6W, &v6MinPrio, r)
		default:
			accumulate(&v4, &v4W, &v4MinPrio, r)
		}
	}

	pick := func(list []*Result, total int64) *Result {
		if len(list) == 0 || total <= 0 {
			return nil
		}
		r := rand.Int63n(total + 1)
		var running int64
		for _, cand := range list {
			running += cand.Weight
			if running >= r {
				return cand
			}
		}
		return list[len(list)-1]
	}

	if len(reuse) > 0 {
		return pick(reuse, reuseW)
	}

	// whichever of IPv6/IPv4 has the lower priority goes first; the other
	// is the fallback, per spec's "whichever of b/c has the lower prio,
	// then the other".
	var first, second []*Result
	var firstW, secondW int64
	switch {
	case len(v6) == 0:
		first, firstW, second, secondW = v4, v4W, nil, 0
	case len(v4) == 0:
		first, firstW, second, secondW = v6, v6W, nil, 0
	case v6MinPrio <= v4MinPrio:
		first, firstW, second, secondW = v6, v6W, v4, v4W
	default:
		first, firstW, second, secondW = v4, v4W, v6, v6W
	}

	if r := pick(first, firstW); r != nil {
		return r
	}
	if r := pick(second, secondW); r != nil {
		return r
	}

	if allowBad {
		if r := pick(bad, badW); r != nil {
			if sawExpiredSibling {
				c.Reexpire(entry.Name)
			}
			return r
		}
	}
	return nil
}
