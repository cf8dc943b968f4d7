package rendercache

// CacheStats describes one resource type's namespace.
type CacheStats struct {
	Entries int
	Hits    uint64
	Misses  uint64
}

// HitRate is hits over total lookups, 0 when nothing was looked up.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// TierUsage pairs a tier's resident bytes with its budget.
type TierUsage struct {
	Tier   Tier
	Used   int64
	Budget int64
}

// ManagerStats is a point-in-time view across all caches and tiers.
type ManagerStats struct {
	PerType     map[ResourceType]CacheStats
	Tiers       [3]TierUsage
	Pressure    PressureLevel
	Hibernation HibernationStats
}

// MemoryPressure is total resident bytes over total budget.
func (s ManagerStats) MemoryPressure() float64 {
	var used, budget int64
	for _, t := range s.Tiers {
		used += t.Used
		budget += t.Budget
	}
	if budget == 0 {
		return 0
	}
	return float64(used) / float64(budget)
}

// OverallHitRate weights every namespace's hit rate by its lookups.
func (s ManagerStats) OverallHitRate() float64 {
	var hits, misses uint64
	for _, cs := range s.PerType {
		hits += cs.Hits
		misses += cs.Misses
	}
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Stats snapshots current counters and usage.
func (m *Manager) Stats() ManagerStats {
	stats := ManagerStats{
		PerType:     make(map[ResourceType]CacheStats, numResourceTypes),
		Pressure:    m.evictor.Pressure(),
		Hibernation: m.hibernator.stats(),
	}
	for i, cache := range m.caches {
		stats.PerType[ResourceType(i)] = CacheStats{
			Entries: cache.entryCount(),
			Hits:    cache.hits.Load(),
			Misses:  cache.misses.Load(),
		}
	}
	for _, tier := range []Tier{TierHot, TierWarm, TierCold} {
		stats.Tiers[tier] = TierUsage{
			Tier:   tier,
			Used:   m.store.Usage(tier),
			Budget: m.evictor.budgets[tier],
		}
	}
	return stats
}
