package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestChunk(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}

	chunks := Chunk(items, 8)
	assert.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 8)
	assert.Len(t, chunks[1], 8)
	assert.Equal(t, []int{17, 18, 19, 20}, chunks[2])

	assert.Len(t, Chunk(items, 0), 1)
	assert.Nil(t, Chunk([]int{}, 8))
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, SplitList(" a, b,,c ,a"))
	assert.Nil(t, SplitList("  "))
}

func TestRoundTo(t *testing.T) {
	assert.Equal(t, 39.9208, RoundTo(39.92077, 4))
	assert.Equal(t, 32.8541, RoundTo(32.85411, 4))
}

func TestHaversineKm(t *testing.T) {
	// Ankara to Istanbul is roughly 350 km.
	d := HaversineKm(39.9334, 32.8597, 41.0082, 28.9784)
	assert.InDelta(t, 350, d, 10)
	assert.Zero(t, HaversineKm(1, 1, 1, 1))
}

func TestDaysBetween(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Istanbul")
	if err != nil {
		loc = time.UTC
	}
	planted := time.Date(2025, 4, 1, 21, 30, 0, 0, time.UTC)
	now := time.Date(2025, 4, 11, 6, 0, 0, 0, time.UTC)
	assert.Equal(t, 10, DaysBetween(planted, now, time.UTC))
	assert.Equal(t, 0, DaysBetween(now, now, loc))
	assert.Equal(t, -10, DaysBetween(now, planted, time.UTC))
}

func TestCivilDate(t *testing.T) {
	loc := time.FixedZone("TRT", 3*3600)
	// 22:30 UTC is already the next day at +03:00.
	ts := time.Date(2025, 6, 1, 22, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC), CivilDate(ts, loc))
	assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), CivilDate(ts, nil))
}
