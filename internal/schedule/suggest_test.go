package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSuggestTiming(t *testing.T) {
	tests := []struct {
		frequency string
		want      []string
	}{
		{"once daily", []string{"08:00"}},
		{"once at night", []string{"22:00"}},
		{"Twice daily after food", []string{"08:00", "20:00"}},
		{"BID", []string{"08:00", "20:00"}},
		{"every 12 hours", []string{"08:00", "20:00"}},
		{"thrice a day", []string{"08:00", "14:00", "20:00"}},
		{"every 8 hours", []string{"08:00", "14:00", "20:00"}},
		{"qid", []string{"06:00", "12:00", "18:00", "00:00"}},
		{"6 times a day", []string{"00:00", "04:00", "08:00", "12:00", "16:00", "20:00"}},
		{"as needed", []string{"08:00"}},
	}
	for _, tt := range tests {
		t.Run(tt.frequency, func(t *testing.T) {
			assert.Equal(t, tt.want, SuggestTiming(tt.frequency))
		})
	}
}

func TestTimesPerDay(t *testing.T) {
	tests := []struct {
		frequency string
		want      int
	}{
		{"14 times a day", 14},
		{"4 times daily", 4},
		{"1 time a day", 1},
		{"every 4 hours", 6},
		{"Every 6 hrs", 4},
		{"8 hourly", 3},
		{"every 24 hours", 1},
		{"every 48 hours", 1},
		{"twice daily", 2},
		{"TDS", 3},
		{"with food", 1},
		{"30 times a day", 1},
	}
	for _, tt := range tests {
		t.Run(tt.frequency, func(t *testing.T) {
			assert.Equal(t, tt.want, TimesPerDay(tt.frequency))
		})
	}
	assert.Equal(t, []string{"00:00", "04:00", "08:00", "12:00", "16:00", "20:00"}, SuggestTiming("every 4 hours"))
}

func TestSuggestStart(t *testing.T) {
	early := time.Date(2024, 4, 10, 7, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC), SuggestStart(early, []string{"08:00"}))

	late := time.Date(2024, 4, 10, 7, 45, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 4, 11, 0, 0, 0, 0, time.UTC), SuggestStart(late, []string{"08:00"}))
}

func TestFoodTimingFromFrequency(t *testing.T) {
	assert.Equal(t, FoodBefore, FoodTimingFromFrequency("Once daily before food"))
	assert.Equal(t, FoodAfter, FoodTimingFromFrequency("twice daily after meals"))
	assert.Equal(t, FoodWith, FoodTimingFromFrequency("with food"))
	assert.Empty(t, FoodTimingFromFrequency("twice daily"))
}
