// Package srs is the spaced-repetition state machine. A card's srsLevel
// indexes into a fixed ascending interval table; review outcomes move the
// level up or down and reschedule nextReview.
package srs

import (
	"time"

	"github.com/patarapolw/r2r-loki/internal/domain"
)

// Intervals is the ascending review interval table indexed by srsLevel.
var Intervals = []time.Duration{
	4 * time.Hour,
	8 * time.Hour,
	24 * time.Hour,
	3 * 24 * time.Hour,
	7 * 24 * time.Hour,
	2 * 7 * 24 * time.Hour,
	4 * 7 * 24 * time.Hour,
	16 * 7 * 24 * time.Hour,
}

// RepeatInterval reschedules a wrongly answered card, independent of its
// level, so misses resurface soon.
const RepeatInterval = 10 * time.Minute

// Right records a correct answer: the streak grows, the level climbs
// (clamped to the top of the table) and the card is rescheduled by the
// interval at the new level. A card with no prior level is treated as
// level 0 before the delta.
func Right(c *domain.Card, now time.Time) {
	ensureStat(c)
	c.Stat.Streak.Right++

	level := currentLevel(c)
	level++
	if level > len(Intervals)-1 {
		level = len(Intervals) - 1
	}
	c.SrsLevel = &level

	next := now.Add(Intervals[level])
	c.NextReview = &next
}

// Wrong records an incorrect answer: the streak grows, the level drops
// (clamped at 0) and the card resurfaces after the short repeat interval.
func Wrong(c *domain.Card, now time.Time) {
	ensureStat(c)
	c.Stat.Streak.Wrong++

	level := currentLevel(c)
	level--
	if level < 0 {
		level = 0
	}
	c.SrsLevel = &level

	next := now.Add(RepeatInterval)
	c.NextReview = &next
}

func currentLevel(c *domain.Card) int {
	if c.SrsLevel == nil {
		return 0
	}
	return *c.SrsLevel
}

func ensureStat(c *domain.Card) {
	if c.Stat == nil {
		c.Stat = &domain.Stat{}
	}
}
