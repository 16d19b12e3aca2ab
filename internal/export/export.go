// Package export renders computed dose schedules as CSV or JSON rows.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/medalert/adherence-engine/internal/schedule"
)

// Header is the CSV header row.
var Header = []string{"Medicine", "Date", "Time", "Status", "Dosage", "Notes"}

// Status texts, in the order they are checked.
const (
	StatusTaken     = "Taken"
	StatusMissed    = "Missed"
	StatusOverdue   = "Overdue"
	StatusDueNow    = "Due Now"
	StatusUpcoming  = "Upcoming"
	StatusScheduled = "Scheduled"
)

// Format is an export encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// ParseFormat accepts "csv" or "json"; empty means csv.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "csv":
		return FormatCSV, nil
	case "json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", s)
	}
}

// ContentType returns the MIME type of f.
func (f Format) ContentType() string {
	if f == FormatJSON {
		return "application/json"
	}
	return "text/csv"
}

// StatusFilter narrows exported rows by dose status.
type StatusFilter string

const (
	FilterAll     StatusFilter = "all"
	FilterPending StatusFilter = "pending"
	FilterTaken   StatusFilter = "taken"
	FilterMissed  StatusFilter = "missed"
)

// ParseStatusFilter accepts all, pending, taken or missed; empty means all.
func ParseStatusFilter(s string) (StatusFilter, error) {
	switch f := StatusFilter(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FilterAll, nil
	case FilterAll, FilterPending, FilterTaken, FilterMissed:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported status filter %q", s)
	}
}

func (f StatusFilter) match(d schedule.Dose) bool {
	switch f {
	case FilterPending:
		return !d.Taken && !d.IsOverdue && !d.Recorded
	case FilterTaken:
		return d.Taken
	case FilterMissed:
		return !d.Taken && (d.IsOverdue || d.Recorded)
	default:
		return true
	}
}

// Filter selects the rows to export. A zero From or To leaves that side open;
// To is exclusive.
type Filter struct {
	From   time.Time
	To     time.Time
	Status StatusFilter
}

func (f Filter) match(d schedule.Dose) bool {
	if !f.From.IsZero() && d.ScheduledTime.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !d.ScheduledTime.Before(f.To) {
		return false
	}
	return f.Status.match(d)
}

// Row is one exported dose.
type Row struct {
	Medicine string `json:"medicine"`
	Date     string `json:"date"`
	Time     string `json:"time"`
	Status   string `json:"status"`
	Dosage   string `json:"dosage"`
	Notes    string `json:"notes"`
}

func (r Row) record() []string {
	return []string{r.Medicine, r.Date, r.Time, r.Status, r.Dosage, r.Notes}
}

// StatusText returns the human readable status of a dose.
func StatusText(d schedule.Dose) string {
	switch {
	case d.Taken:
		return StatusTaken
	case d.Recorded:
		return StatusMissed
	case d.IsOverdue:
		return StatusOverdue
	case d.IsCurrent:
		return StatusDueNow
	case d.IsUpcoming:
		return StatusUpcoming
	default:
		return StatusScheduled
	}
}

// Rows flattens schedules into rows ordered by medicine, then scheduled time.
// Times are rendered in loc; a nil loc means UTC.
func Rows(schedules []*schedule.MedicineSchedule, loc *time.Location, filter Filter) []Row {
	if loc == nil {
		loc = time.UTC
	}
	var rows []Row
	for _, s := range schedules {
		if s == nil {
			continue
		}
		doses := make([]schedule.Dose, 0, len(s.Doses))
		for _, d := range s.Doses {
			if filter.match(d) {
				doses = append(doses, d)
			}
		}
		sort.SliceStable(doses, func(i, j int) bool {
			return doses[i].ScheduledTime.Before(doses[j].ScheduledTime)
		})
		for _, d := range doses {
			at := d.ScheduledTime.In(loc)
			rows = append(rows, Row{
				Medicine: s.Name,
				Date:     at.Format("2006-01-02"),
				Time:     at.Format("15:04"),
				Status:   StatusText(d),
				Dosage:   d.Dosage,
				Notes:    d.Notes,
			})
		}
	}
	return rows
}

// WriteCSV writes the header and rows as CSV.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, r := range rows {
		if err := cw.Write(r.record()); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSON writes rows as a JSON array. No rows encode as [].
func WriteJSON(w io.Writer, rows []Row) error {
	if rows == nil {
		rows = []Row{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}

// Write encodes rows in format f.
func Write(w io.Writer, f Format, rows []Row) error {
	if f == FormatJSON {
		return WriteJSON(w, rows)
	}
	return WriteCSV(w, rows)
}

// FileName returns the download name of an export made at now.
func FileName(f Format, now time.Time) string {
	return fmt.Sprintf("medicine-schedule-%s.%s", now.Format("2006-01-02"), f)
}
