package schedule

import "time"

// Classify sets the status flags of d relative to now. Boundaries are
// inclusive on the earlier state: at exactly t-DueWindow and t+OverdueGrace
// the dose is current.
func Classify(d Dose, now time.Time, opts Options) Dose {
	opts = opts.withDefaults()
	d.IsOverdue, d.IsCurrent, d.IsUpcoming, d.IsActive = false, false, false, false
	if d.Taken {
		return d
	}

	t := d.ScheduledTime
	dueFrom := t.Add(-opts.DueWindow)
	overdueAfter := t.Add(opts.OverdueGrace)

	switch {
	case now.After(overdueAfter):
		d.IsOverdue = true
	case now.Before(dueFrom):
		d.IsUpcoming = true
	default:
		d.IsCurrent = true
	}
	d.IsActive = (d.IsCurrent || d.IsOverdue) && !d.Synthetic
	return d
}
