package habitkit

import (
	"context"
	"time"
)

// UserStatistics summarizes a user's daily record history. Statistics are
// derived from daily records at read time, never synchronized as their own
// entity.
type UserStatistics struct {
	CurrentStreak    int     `json:"currentStreak"`
	BestStreak       int     `json:"bestStreak"`
	PerfectDays      int     `json:"perfectDays"`
	ActiveDays       int     `json:"activeDays"`
	TotalCompletions int     `json:"totalCompletions"`
	TotalExperience  int     `json:"totalExperience"`
	CompletionRate   float64 `json:"completionRate"`
}

// Statistics computes derived statistics over the user's full history.
func (s *SyncService) Statistics(ctx context.Context, userID string) (*UserStatistics, error) {
	records, err := s.allDailyRecords(ctx, userID)
	if err != nil {
		return nil, err
	}
	stats := ComputeStatistics(records, time.Now().UTC())
	return &stats, nil
}

// ComputeStatistics derives statistics from daily records. Records may
// arrive in any order; a day counts toward a streak when at least one habit
// was completed, and the current streak must reach today or yesterday.
func ComputeStatistics(records []DailyRecord, now time.Time) UserStatistics {
	var stats UserStatistics

	active := make(map[string]bool, len(records))
	var completed, possible int
	for _, r := range records {
		if len(r.CompletedHabitIDs) > 0 {
			active[r.Date] = true
		}
		if r.PerfectDay {
			stats.PerfectDays++
		}
		completed += len(r.CompletedHabitIDs)
		possible += r.TotalHabits
		stats.TotalCompletions += len(r.CompletedHabitIDs)
		stats.TotalExperience += r.ExperienceGained
	}
	stats.ActiveDays = len(active)
	if possible > 0 {
		stats.CompletionRate = float64(completed) / float64(possible)
	}

	stats.BestStreak = bestStreak(active)
	stats.CurrentStreak = currentStreak(active, now)
	return stats
}

func bestStreak(active map[string]bool) int {
	best := 0
	for date := range active {
		day, err := time.Parse("2006-01-02", date)
		if err != nil {
			continue
		}
		// Only count runs from their first day.
		if active[DateKey(day.AddDate(0, 0, -1))] {
			continue
		}
		length := 0
		for active[DateKey(day)] {
			length++
			day = day.AddDate(0, 0, 1)
		}
		if length > best {
			best = length
		}
	}
	return best
}

func currentStreak(active map[string]bool, now time.Time) int {
	day := now.UTC()
	// A streak survives until the end of today, so an uncompleted today
	// falls back to a run ending yesterday.
	if !active[DateKey(day)] {
		day = day.AddDate(0, 0, -1)
	}
	streak := 0
	for active[DateKey(day)] {
		streak++
		day = day.AddDate(0, 0, -1)
	}
	return streak
}
