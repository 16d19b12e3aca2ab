package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/medalert/adherence-engine/internal/domain/patient"
	"github.com/medalert/adherence-engine/internal/export"
	"github.com/medalert/adherence-engine/internal/recorder"
	"github.com/medalert/adherence-engine/internal/schedule"
)

func newScheduleCmd(g *globals) *cobra.Command {
	var (
		view  string
		watch time.Duration
		ticks int
	)
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Print computed dose schedules as JSON",
		Long: "Print computed dose schedules. --view days groups doses by calendar day, --view summary prints the adherence dashboard.\n" +
			"With --watch the schedules are reclassified every interval without refetching the medicine list.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch view {
			case "", "medicines", "days", "summary":
			default:
				return fmt.Errorf("unknown --view %q (medicines, days, summary)", view)
			}
			e, err := g.env()
			if err != nil {
				return err
			}
			if watch > 0 {
				return g.watch(cmd, e, view, watch, ticks)
			}

			meds, err := g.medicines(cmd.Context(), cmd, e)
			if err != nil {
				return err
			}
			return render(cmd, e, view, compute(cmd, e, meds), e.now)
		},
	}
	cmd.Flags().StringVar(&view, "view", "", "medicines, days or summary")
	cmd.Flags().DurationVar(&watch, "watch", 0, "Reclassify and print every interval until interrupted")
	cmd.Flags().IntVar(&ticks, "ticks", 0, "With --watch, stop after this many reclassifications")
	return cmd
}

func render(cmd *cobra.Command, e *env, view string, schedules []*schedule.MedicineSchedule, now time.Time) error {
	out := cmd.OutOrStdout()
	switch view {
	case "days":
		return printJSON(out, schedule.GroupByDay(schedules, e.engine.Options().Location))
	case "summary":
		return printJSON(out, schedule.Summarize(schedules, now))
	default:
		return printJSON(out, schedules)
	}
}

// staticBackend serves a medicine list read from a file
type staticBackend []schedule.Medicine

func (b staticBackend) Medicines(context.Context, string) ([]schedule.Medicine, error) {
	return b, nil
}

func (b staticBackend) RecordAdherence(context.Context, string, int, patient.AdherenceInput) error {
	return errors.New("medicine list was loaded from a file and is read-only")
}

// watch loads the medicine list once, then reclassifies it on a ticker. The
// clock starts at --now when given and advances in real time.
func (g *globals) watch(cmd *cobra.Command, e *env, view string, interval time.Duration, ticks int) error {
	ctx := cmd.Context()
	if g.input == "" && g.patientID == "" {
		return errors.New("one of --input or --patient is required")
	}

	var backend recorder.Backend = e.client()
	if g.input != "" {
		meds, err := g.medicines(ctx, cmd, e)
		if err != nil {
			return err
		}
		backend = staticBackend(meds)
	}

	started := time.Now()
	clock := func() time.Time { return e.now.Add(time.Since(started)) }
	rec := recorder.New(backend, e.engine, g.patientID, e.logger, recorder.WithClock(clock))

	schedules, err := rec.Load(ctx)
	if err != nil {
		return err
	}
	if err := render(cmd, e, view, schedules, clock()); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for n := 0; ticks <= 0 || n < ticks; n++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := render(cmd, e, view, rec.Recompute(), clock()); err != nil {
			return err
		}
	}
	return nil
}

func newExportCmd(g *globals) *cobra.Command {
	var (
		format, status, view, date, output string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export doses as CSV or JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			sf, err := export.ParseStatusFilter(status)
			if err != nil {
				return err
			}

			e, err := g.env()
			if err != nil {
				return err
			}
			loc := e.engine.Options().Location

			anchor := e.now
			if date != "" {
				anchor, err = time.ParseInLocation("2006-01-02", date, loc)
				if err != nil {
					return fmt.Errorf("--date must be YYYY-MM-DD: %w", err)
				}
			}
			from, to, err := export.Window(export.View(view), anchor)
			if err != nil {
				return err
			}

			meds, err := g.medicines(cmd.Context(), cmd, e)
			if err != nil {
				return err
			}
			rows := export.Rows(compute(cmd, e, meds), loc, export.Filter{From: from, To: to, Status: sf})

			w := cmd.OutOrStdout()
			if output != "" {
				if output == "." {
					output = export.FileName(f, e.now)
				}
				file, err := os.Create(output)
				if err != nil {
					return err
				}
				defer file.Close()
				w = file
			}
			if err := export.Write(w, f, rows); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			if output != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d rows to %s\n", len(rows), output)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "csv", "csv or json")
	cmd.Flags().StringVar(&status, "status", "all", "all, pending, taken or missed")
	cmd.Flags().StringVar(&view, "view", "", "daily, weekly or monthly window around --date")
	cmd.Flags().StringVar(&date, "date", "", "Window anchor, YYYY-MM-DD (default: today)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to this file, . for the default file name")
	return cmd
}
