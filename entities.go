package habitkit

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// CharacterCondition describes the avatar's health-driven condition.
type CharacterCondition string

const (
	CharacterStrong CharacterCondition = "strong"
	CharacterNormal CharacterCondition = "normal"
	CharacterWeak   CharacterCondition = "weak"
)

// CharacterState is the gamified avatar for a user. One per user.
type CharacterState struct {
	Level         int                `json:"level"`
	Health        int                `json:"health"`
	MaxHealth     int                `json:"maxHealth"`
	Experience    int                `json:"experience"`
	MaxExperience int                `json:"maxExperience"`
	State         CharacterCondition `json:"state"`
}

// NewCharacterState returns a fresh level-1 character.
func NewCharacterState() CharacterState {
	return CharacterState{
		Level:         1,
		Health:        100,
		MaxHealth:     100,
		Experience:    0,
		MaxExperience: ExperienceForLevel(2),
		State:         CharacterNormal,
	}
}

// ExperienceForLevel returns the experience threshold to reach the given
// level from the previous one. Level 1 and below require nothing.
func ExperienceForLevel(level int) int {
	if level <= 1 {
		return 0
	}
	return int(math.Ceil(100 * math.Pow(float64(level-1), 1.5)))
}

// GainExperience adds experience and applies level-ups, carrying overflow
// into the next level. Returns the number of levels gained.
func (c *CharacterState) GainExperience(amount int) int {
	if amount <= 0 {
		return 0
	}
	levels := 0
	c.Experience += amount
	for c.MaxExperience > 0 && c.Experience >= c.MaxExperience {
		c.Experience -= c.MaxExperience
		c.Level++
		levels++
		c.MaxExperience = ExperienceForLevel(c.Level + 1)
	}
	return levels
}

// AdjustHealth clamps health into [0, MaxHealth] and recomputes the
// condition: strong above 75% of max, weak at or below 25%.
func (c *CharacterState) AdjustHealth(delta int) {
	c.Health += delta
	if c.Health < 0 {
		c.Health = 0
	}
	if c.Health > c.MaxHealth {
		c.Health = c.MaxHealth
	}
	switch {
	case c.MaxHealth > 0 && c.Health*4 > c.MaxHealth*3:
		c.State = CharacterStrong
	case c.MaxHealth > 0 && c.Health*4 <= c.MaxHealth:
		c.State = CharacterWeak
	default:
		c.State = CharacterNormal
	}
}

// HabitFrequency describes how often a habit is due.
type HabitFrequency string

const (
	FrequencyDaily   HabitFrequency = "daily"
	FrequencyWeekly  HabitFrequency = "weekly"
	FrequencyMonthly HabitFrequency = "monthly"
)

// Habit is a single tracked habit.
type Habit struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Frequency      HabitFrequency `json:"frequency"`
	Streak         int            `json:"streak"`
	BestStreak     int            `json:"bestStreak"`
	Completed      bool           `json:"completed"`
	CompletedCount int            `json:"completedCount"`
	MissedCount    int            `json:"missedCount"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// NewHabit creates a habit with a fresh identifier.
func NewHabit(name string, frequency HabitFrequency) Habit {
	return Habit{
		ID:        uuid.NewString(),
		Name:      name,
		Frequency: frequency,
		CreatedAt: time.Now().UTC(),
	}
}

// MarkCompleted records a completion, extending the streak.
func (h *Habit) MarkCompleted() {
	if h.Completed {
		return
	}
	h.Completed = true
	h.CompletedCount++
	h.Streak++
	if h.Streak > h.BestStreak {
		h.BestStreak = h.Streak
	}
}

// MarkMissed records a missed period and resets the streak.
func (h *Habit) MarkMissed() {
	h.Completed = false
	h.MissedCount++
	h.Streak = 0
}

// HabitSet is the full set of a user's habits. One per user; habit removal
// is list filtering before the next full-entity write, never a remote
// delete.
type HabitSet struct {
	Habits []Habit `json:"habits"`
}

// Find returns the habit with the given id, or nil.
func (hs *HabitSet) Find(id string) *Habit {
	for i := range hs.Habits {
		if hs.Habits[i].ID == id {
			return &hs.Habits[i]
		}
	}
	return nil
}

// Remove filters out the habit with the given id and reports whether it
// was present.
func (hs *HabitSet) Remove(id string) bool {
	for i := range hs.Habits {
		if hs.Habits[i].ID == id {
			hs.Habits = append(hs.Habits[:i], hs.Habits[i+1:]...)
			return true
		}
	}
	return false
}

// Achievement is one unlockable badge.
type Achievement struct {
	ID          string `json:"id"`
	Unlocked    bool   `json:"unlocked"`
	Progress    int    `json:"progress"`
	Requirement int    `json:"requirement"`
}

// Advance adds progress and unlocks the achievement once the requirement
// is met. Returns true if this call unlocked it.
func (a *Achievement) Advance(amount int) bool {
	if a.Unlocked || amount <= 0 {
		return false
	}
	a.Progress += amount
	if a.Progress >= a.Requirement && a.Requirement > 0 {
		a.Progress = a.Requirement
		a.Unlocked = true
		return true
	}
	return false
}

// AchievementSet is the full set of a user's achievements.
type AchievementSet struct {
	Achievements []Achievement `json:"achievements"`
}

// Bonus is one claimable reward.
type Bonus struct {
	ID      string  `json:"id"`
	Claimed bool    `json:"claimed"`
	Reward  int     `json:"reward"`
	Factor  float64 `json:"factor"`
}

// DailyBonus tracks the consecutive-day login bonus.
type DailyBonus struct {
	Streak     int       `json:"streak"`
	Multiplier float64   `json:"multiplier"`
	Claimed    bool      `json:"claimed"`
	LastClaim  time.Time `json:"lastClaim"`
}

// BonusSet is the full set of a user's bonuses plus the daily bonus record.
type BonusSet struct {
	Bonuses []Bonus    `json:"bonuses"`
	Daily   DailyBonus `json:"dailyBonus"`
}

// Purchase is one spend from the coin ledger.
type Purchase struct {
	ID     string    `json:"id"`
	ItemID string    `json:"itemId"`
	Cost   int       `json:"cost"`
	At     time.Time `json:"at"`
}

// CoinLedger tracks the user's virtual currency.
type CoinLedger struct {
	Coins       int        `json:"coins"`
	TotalEarned int        `json:"totalEarned"`
	Purchases   []Purchase `json:"purchases"`
}

// Earn credits coins and the lifetime total.
func (cl *CoinLedger) Earn(amount int) {
	if amount <= 0 {
		return
	}
	cl.Coins += amount
	cl.TotalEarned += amount
}

// Spend debits coins and records a purchase. Returns false when the
// balance is insufficient.
func (cl *CoinLedger) Spend(itemID string, cost int) bool {
	if cost < 0 || cl.Coins < cost {
		return false
	}
	cl.Coins -= cost
	cl.Purchases = append(cl.Purchases, Purchase{
		ID:     uuid.NewString(),
		ItemID: itemID,
		Cost:   cost,
		At:     time.Now().UTC(),
	})
	return true
}

// DailyRecord is one day's completion snapshot, keyed by user and date.
type DailyRecord struct {
	Date              string   `json:"date"` // YYYY-MM-DD
	CompletedHabitIDs []string `json:"completedHabitIds"`
	TotalHabits       int      `json:"totalHabits"`
	ExperienceGained  int      `json:"experienceGained"`
	PerfectDay        bool     `json:"perfectDay"`
}

// Normalize recomputes the derived PerfectDay flag: every habit for the day
// was completed and there was at least one habit.
func (dr *DailyRecord) Normalize() {
	dr.PerfectDay = dr.TotalHabits > 0 && len(dr.CompletedHabitIDs) == dr.TotalHabits
}

// MergeCompletion folds a habit completion into the record rather than
// appending a duplicate entry for the same habit.
func (dr *DailyRecord) MergeCompletion(habitID string, experience int) {
	for _, id := range dr.CompletedHabitIDs {
		if id == habitID {
			return
		}
	}
	dr.CompletedHabitIDs = append(dr.CompletedHabitIDs, habitID)
	dr.ExperienceGained += experience
	dr.Normalize()
}

// DateKey formats a time as a daily record date in UTC.
func DateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// UserProfile is the account document for login and registration.
type UserProfile struct {
	UserID       string    `json:"userId"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"passwordHash"`
	Salt         string    `json:"salt"`
	CreatedAt    time.Time `json:"createdAt"`
}
