package cli

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/medalert/adherence-engine/internal/domain/patient"
	"github.com/medalert/adherence-engine/internal/recorder"
	"github.com/medalert/adherence-engine/pkg/circuitbreaker"
)

func newRecordCmd(g *globals) *cobra.Command {
	var (
		index int
		in    patient.AdherenceInput
	)
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a taken or missed dose through the adherence API",
		Long:  "Record a taken or missed dose for --patient, then print the recomputed schedules.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if g.patientID == "" {
				return errors.New("--patient is required")
			}
			e, err := g.env()
			if err != nil {
				return err
			}

			cbCfg := circuitbreaker.DefaultConfig("adherence-api")
			cbCfg.IsSuccessful = func(err error) bool { return err == nil || recorder.IsClientError(err) }
			cb, err := circuitbreaker.New(cbCfg, e.logger)
			if err != nil {
				return err
			}

			rec := recorder.New(e.client(), e.engine, g.patientID, e.logger,
				recorder.WithBreaker(cb),
				recorder.WithClock(func() time.Time { return e.now }))
			schedules, err := rec.Record(cmd.Context(), index, in)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), schedules)
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&index, "medicine", 0, "Medicine index in the patient's list")
	flags.StringVar(&in.DoseID, "dose", "", "Dose id from the schedule")
	flags.BoolVar(&in.Taken, "taken", true, "Whether the dose was taken")
	flags.StringVar(&in.Timestamp, "at", "", "When the dose was taken (default: --now or the current time)")
	flags.StringVar(&in.Notes, "notes", "", "Free-text note")
	flags.StringVar(&in.RecordedBy, "by", "", "Who recorded the dose (default: patient)")
	return cmd
}
