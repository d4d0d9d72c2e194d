package cli

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/adrianco/consciousness-sub000/internal/analyze"
	"github.com/adrianco/consciousness-sub000/internal/config"
	"github.com/adrianco/consciousness-sub000/internal/control"
	"github.com/adrianco/consciousness-sub000/internal/device"
	"github.com/adrianco/consciousness-sub000/internal/learn"
	"github.com/adrianco/consciousness-sub000/internal/loop"
	"github.com/adrianco/consciousness-sub000/internal/policy"
	"github.com/adrianco/consciousness-sub000/internal/safety"
	"github.com/adrianco/consciousness-sub000/internal/sense"
	"github.com/adrianco/consciousness-sub000/internal/state"
	"github.com/adrianco/consciousness-sub000/internal/store"
	"github.com/adrianco/consciousness-sub000/internal/twin"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		configPath string
		dbPath     string
	)

	cmd := &cobra.Command{
		Use:   "run <constraints-dir>",
		Short: "Start the control loop",
		Long: `Compile the safety policy, open the audit store, wire the simulated
device adapters, and drive the control loop until SIGINT/SIGTERM.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoop(rootOpts, configPath, dbPath, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "YAML config path (defaults apply when omitted)")
	cmd.Flags().StringVar(&dbPath, "db", "", "audit database path (overrides config)")
	return cmd
}

func runLoop(opts *RootOptions, configPath, dbPath, constraintsDir string, cmd *cobra.Command) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return WrapExitError(ExitCommandError, "load config", err)
		}
		cfg = loaded
	}
	if dbPath != "" {
		cfg.Store.Path = dbPath
	}

	pol, errs := policy.LoadDir(constraintsDir)
	if len(errs) > 0 {
		for _, err := range errs {
			slog.Error("policy error", "error", err)
		}
		return NewExitError(ExitFailure, "policy compilation failed")
	}
	slog.Info("policy compiled",
		"constraints", len(pol.Constraints),
		"calibrations", len(pol.Calibrations),
	)

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return WrapExitError(ExitCommandError, "open store", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Simulated room until vendor adapters are wired in.
	sim := device.NewSim("thermostat", state.State{
		"temperature": state.Float(21),
		"mode":        state.String("auto"),
	}, 21)
	adapters := map[string]device.Adapter{sim.ID(): sim}
	locks := device.NewLockTable()

	validator := safety.New(pol, cfg.Safety.RiskThreshold,
		safety.SwingHazard{Attribute: "temperature", FullSwing: 10, HazardSeverity: 0.8})

	tuner := learn.NewTuner(cfg.Learn.Epsilon, time.Now().UnixNano())
	learner := learn.NewEngine(cfg.Learn, pol, tuner, func(o learn.Outcome) {
		if err := st.RecordOutcome(context.Background(), o); err != nil {
			slog.Warn("learning outcome write failed", "action", o.ActionID, "error", err)
		}
	})

	registry := analyze.NewRegistry(cfg.Analyze.DefaultModelBudget.Std())
	if err := registry.RegisterPredictor(
		analyze.NewTrendPredictor(pol, 5, cfg.Analyze.BaselineWindow, cfg.Loop.Interval.Std()), 0,
	); err != nil {
		return WrapExitError(ExitCommandError, "register prediction model", err)
	}
	learner.SetModels(registry)

	controller := control.New(cfg.Control, cfg.Loop.LockWait.Std(), pol, validator,
		adapters, locks, control.UUIDv7Generator{})
	controller.SetTuner(tuner)

	orch := loop.New(cfg, adapters,
		sense.New(pol, cfg.Sense.MaxReadingAge.Std()),
		analyze.New(cfg.Analyze, pol, registry),
		controller, learner, st)
	if last, err := st.LastCycle(ctx); err == nil && last > 0 {
		orch.ResumeFrom(last)
		slog.Info("resuming cycle counter", "last_cycle", last)
	}

	synchronizer := twin.NewSynchronizer(cfg.Twin, cfg.Loop.LockWait.Std(), pol, validator,
		adapters, locks, control.UUIDv7Generator{})
	if err := synchronizer.Register(twin.NewTwin("twin:"+sim.ID(), sim.ID())); err != nil {
		return WrapExitError(ExitCommandError, "register twin", err)
	}
	if err := synchronizer.RegisterModel(sim.ID(),
		twin.ThermalModel{Ambient: 21, Coupling: 0.1}, state.State{}); err != nil {
		return WrapExitError(ExitCommandError, "register twin model", err)
	}
	orch.SetTwins(synchronizer)

	learner.Start()
	defer learner.Close()
	go synchronizer.Run(ctx)
	go orch.Watch(ctx)

	if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "loop stopped", err)
	}
	return nil
}
