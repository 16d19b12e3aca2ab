// Package cli implements the dosectl operator commands.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/medalert/adherence-engine/internal/config"
	"github.com/medalert/adherence-engine/internal/observability/logging"
	"github.com/medalert/adherence-engine/internal/recorder"
	"github.com/medalert/adherence-engine/internal/schedule"
)

// globals holds the persistent flags shared by every command
type globals struct {
	configPath string
	input      string
	patientID  string
	now        string
	verbose    bool
}

// NewRootCmd builds the dosectl command tree.
func NewRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "dosectl",
		Short:         "Inspect and operate medicine schedules",
		Long:          "Compute dose schedules from a medicine list file or the adherence API, export them, and record adherence.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&g.configPath, "config", "c", "", "Config file (default: $MEDALERT_CONFIG, then built-in defaults)")
	flags.StringVarP(&g.input, "input", "i", "", "Medicine list JSON file, - for stdin")
	flags.StringVarP(&g.patientID, "patient", "p", "", "Load medicines for this patient from the adherence API")
	flags.StringVar(&g.now, "now", "", "Evaluate at this time instead of the current time")
	flags.BoolVarP(&g.verbose, "verbose", "v", false, "Log engine decisions to stderr")

	root.AddCommand(
		newScheduleCmd(g),
		newExportCmd(g),
		newSuggestCmd(g),
		newImportCmd(g),
		newRecordCmd(g),
		newTopicsCmd(g),
	)
	return root
}

// Execute runs dosectl with the process arguments until it finishes or
// is interrupted
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCmd().ExecuteContext(ctx)
}

// env is what a command needs after flags are parsed
type env struct {
	cfg    *config.Config
	engine *schedule.Engine
	logger *zap.Logger
	now    time.Time
}

func (g *globals) env() (*env, error) {
	path := g.configPath
	if path == "" {
		path = os.Getenv("MEDALERT_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	logCfg := config.LogConfig{Level: "warn", Encoding: "console"}
	if g.verbose {
		logCfg.Level = "debug"
	}
	logger, err := logging.New(logCfg, "dosectl")
	if err != nil {
		return nil, err
	}

	opts := cfg.Schedule.Options()
	now := time.Now().In(opts.Location)
	if g.now != "" {
		t, ok := schedule.ParseTimestamp(g.now, opts.Location)
		if !ok {
			return nil, fmt.Errorf("invalid --now %q", g.now)
		}
		now = t
	}

	return &env{
		cfg:    cfg,
		engine: schedule.New(opts, logger.Named("engine")),
		logger: logger,
		now:    now,
	}, nil
}

func (e *env) client() *recorder.Client {
	rc := e.cfg.Recorder
	return recorder.NewClient(rc.BaseURL, rc.APIKey, rc.Timeout)
}

// medicines loads the medicine list from --input or, with --patient, from
// the adherence API
func (g *globals) medicines(ctx context.Context, cmd *cobra.Command, e *env) ([]schedule.Medicine, error) {
	switch {
	case g.input != "":
		var r io.Reader = cmd.InOrStdin()
		if g.input != "-" {
			f, err := os.Open(g.input)
			if err != nil {
				return nil, err
			}
			defer f.Close()
			r = f
		}
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", g.input, err)
		}
		return decodeMedicines(data)
	case g.patientID != "":
		return e.client().Medicines(ctx, g.patientID)
	default:
		return nil, errors.New("one of --input or --patient is required")
	}
}

// decodeMedicines accepts a bare array or the API's {"medicines": [...]}
func decodeMedicines(data []byte) ([]schedule.Medicine, error) {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		var list []schedule.Medicine
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("decode medicines: %w", err)
		}
		return list, nil
	}
	var wrapped struct {
		Medicines []schedule.Medicine `json:"medicines"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("decode medicines: %w", err)
	}
	return wrapped.Medicines, nil
}

// compute runs the engine over meds and reports failing medicines on stderr
func compute(cmd *cobra.Command, e *env, meds []schedule.Medicine) []*schedule.MedicineSchedule {
	results := e.engine.Schedules(meds, nil, e.now)
	schedules := make([]*schedule.MedicineSchedule, 0, len(results))
	for _, res := range results {
		if res.Err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: medicine %d skipped: %v\n", res.Ref.Index, res.Err)
			continue
		}
		schedules = append(schedules, res.Schedule)
	}
	return schedules
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
