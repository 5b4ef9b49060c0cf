package engine

import (
	"sync"
	"time"

	"github.com/roach88/recast/internal/model"
	"github.com/roach88/recast/internal/store"
)

// DayWindow returns the start and end of the calendar day containing now in
// loc. A nil loc means UTC.
func DayWindow(now time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

// DailyQuota tracks posts counted against the daily caps during one tick.
//
// It starts from the completed count for the day and adds every claim made
// in the tick, so a tick cannot overshoot a cap by claiming a full batch
// when only a few posts remain.
//
// A zero limit means unlimited.
//
// Thread-safety: DailyQuota is safe for concurrent use.
type DailyQuota struct {
	mu          sync.Mutex
	maxDay      int
	maxPlatform int
	total       int
	byPlatform  map[model.Platform]int
}

// NewDailyQuota creates a quota seeded with today's completed count.
func NewDailyQuota(maxDay, maxPlatform int, done store.DailyCount) *DailyQuota {
	q := &DailyQuota{
		maxDay:      maxDay,
		maxPlatform: maxPlatform,
		total:       done.Total,
		byPlatform:  make(map[model.Platform]int, len(done.ByPlatform)),
	}
	for p, n := range done.ByPlatform {
		q.byPlatform[p] = n
	}
	return q
}

// DayReached reports whether the daily cap is used up.
func (q *DailyQuota) DayReached() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxDay > 0 && q.total >= q.maxDay
}

// PlatformReached reports whether platform's cap is used up.
func (q *DailyQuota) PlatformReached(p model.Platform) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxPlatform > 0 && q.byPlatform[p] >= q.maxPlatform
}

// Record counts one claim for platform.
func (q *DailyQuota) Record(p model.Platform) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.total++
	q.byPlatform[p]++
}

// Used returns the number of posts counted so far today.
func (q *DailyQuota) Used() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.total
}
