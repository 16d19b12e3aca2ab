package schedule

import "time"

// Options holds the engine's tunable windows.
type Options struct {
	// MatchTolerance is how far an adherence record may sit from a slot
	// (same calendar day only) and still be matched to it.
	MatchTolerance time.Duration
	// DueWindow is how long before the scheduled time a dose becomes "due now".
	DueWindow time.Duration
	// OverdueGrace is how long after the scheduled time a dose stays "due now".
	OverdueGrace time.Duration
	// DefaultWindowDays is used when a duration cannot be parsed.
	DefaultWindowDays int
	// MaxWindowDays caps a parsed duration; longer ones are treated as
	// unparsable.
	MaxWindowDays int
	// Location is the wall-clock zone for dates and naive timestamps.
	Location *time.Location
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		MatchTolerance:    3 * time.Hour,
		DueWindow:         30 * time.Minute,
		OverdueGrace:      60 * time.Minute,
		DefaultWindowDays: 30,
		MaxWindowDays:     3650,
		Location:          time.Local,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MatchTolerance <= 0 {
		o.MatchTolerance = d.MatchTolerance
	}
	if o.DueWindow <= 0 {
		o.DueWindow = d.DueWindow
	}
	if o.OverdueGrace <= 0 {
		o.OverdueGrace = d.OverdueGrace
	}
	if o.DefaultWindowDays <= 0 {
		o.DefaultWindowDays = d.DefaultWindowDays
	}
	if o.MaxWindowDays <= 0 {
		o.MaxWindowDays = d.MaxWindowDays
	}
	if o.DefaultWindowDays > o.MaxWindowDays {
		o.DefaultWindowDays = o.MaxWindowDays
	}
	if o.Location == nil {
		o.Location = d.Location
	}
	return o
}
