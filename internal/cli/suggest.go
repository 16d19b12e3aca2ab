package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	fhir "github.com/medalert/adherence-engine/internal/fhir/r5"
	"github.com/medalert/adherence-engine/internal/schedule"
)

// Suggestion is the default timing offered for a new prescription
type Suggestion struct {
	Frequency   string   `json:"frequency"`
	TimesPerDay int      `json:"timesPerDay"`
	Timing      []string `json:"timing"`
	FoodTiming  string   `json:"foodTiming,omitempty"`
	StartDate   string   `json:"startDate"`
}

func newSuggestCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "suggest <frequency>",
		Short: "Suggest slot times and a start date for a frequency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.env()
			if err != nil {
				return err
			}
			timing := schedule.SuggestTiming(args[0])
			return printJSON(cmd.OutOrStdout(), Suggestion{
				Frequency:   args[0],
				TimesPerDay: schedule.TimesPerDay(args[0]),
				Timing:      timing,
				FoodTiming:  schedule.FoodTimingFromFrequency(args[0]),
				StartDate:   schedule.SuggestStart(e.now, timing).Format("2006-01-02"),
			})
		},
	}
}

func newImportCmd(g *globals) *cobra.Command {
	var add bool
	cmd := &cobra.Command{
		Use:   "import <medication-request.json>",
		Short: "Convert a FHIR MedicationRequest into a medicine",
		Long:  "Convert a FHIR R5 MedicationRequest into a medicine. With --add and --patient the medicine is added through the adherence API.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.env()
			if err != nil {
				return err
			}

			var data []byte
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}

			var mr fhir.MedicationRequest
			if err := mr.FromJSON(data); err != nil {
				return fmt.Errorf("decode MedicationRequest: %w", err)
			}
			med, err := mr.ToMedicine(e.engine.Options().Location)
			if err != nil {
				return err
			}

			if !add {
				return printJSON(cmd.OutOrStdout(), med)
			}
			if g.patientID == "" {
				return errors.New("--add requires --patient")
			}
			index, err := e.client().AddMedicine(cmd.Context(), g.patientID, med)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"medicineIndex": index, "medicine": med})
		},
	}
	cmd.Flags().BoolVar(&add, "add", false, "Add the medicine to --patient through the adherence API")
	return cmd
}
