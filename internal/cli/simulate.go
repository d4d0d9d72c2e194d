package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/adrianco/consciousness-sub000/internal/state"
	"github.com/adrianco/consciousness-sub000/internal/twin"
)

// TrajectoryPoint is one step of a simulated trajectory.
type TrajectoryPoint struct {
	Step        int     `json:"step"`
	Temperature float64 `json:"temperature"`
}

// SimulationResult is the simulate command's payload.
type SimulationResult struct {
	Model      string            `json:"model"`
	Steps      int               `json:"steps"`
	StepSize   string            `json:"step_size"`
	Trajectory []TrajectoryPoint `json:"trajectory"`
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		steps    int
		dt       time.Duration
		start    float64
		setpoint float64
		ambient  float64
		coupling float64
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a detached twin scenario",
		Long: `Detach a twin clone and step it through the thermal physics model.
The scenario runs entirely on the twin: no device is read or written.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(rootOpts, scenarioParams{
				steps: steps, dt: dt, start: start,
				setpoint: setpoint, ambient: ambient, coupling: coupling,
			}, cmd)
		},
	}

	cmd.Flags().IntVar(&steps, "steps", 60, "number of simulation steps")
	cmd.Flags().DurationVar(&dt, "dt", time.Second, "simulated time per step")
	cmd.Flags().Float64Var(&start, "start", 21, "starting temperature")
	cmd.Flags().Float64Var(&setpoint, "setpoint", 25, "heater setpoint")
	cmd.Flags().Float64Var(&ambient, "ambient", 15, "ambient temperature")
	cmd.Flags().Float64Var(&coupling, "coupling", 0.1, "thermal coupling per second")
	return cmd
}

type scenarioParams struct {
	steps    int
	dt       time.Duration
	start    float64
	setpoint float64
	ambient  float64
	coupling float64
}

func runSimulate(opts *RootOptions, p scenarioParams, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	clone := twin.NewTwin("twin:scenario", "scenario").Detach("twin:scenario:detached")
	if err := clone.Seed(state.State{"temperature": state.Float(p.start)}); err != nil {
		return WrapExitError(ExitCommandError, "seed scenario twin", err)
	}

	model := twin.ThermalModel{Ambient: p.ambient, Coupling: p.coupling}
	sc, err := twin.NewScenario(clone, model,
		state.State{"setpoint": state.Float(p.setpoint)}, p.dt)
	if err != nil {
		return WrapExitError(ExitCommandError, "build scenario", err)
	}

	traj, err := sc.Run(cmd.Context(), p.steps)
	if err != nil {
		return WrapExitError(ExitFailure, "scenario failed", err)
	}

	result := SimulationResult{
		Model:    model.ID(),
		Steps:    p.steps,
		StepSize: p.dt.String(),
	}
	for i, s := range traj {
		temp, _ := state.AsFloat(s["temperature"])
		result.Trajectory = append(result.Trajectory, TrajectoryPoint{Step: i + 1, Temperature: temp})
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "model=%s steps=%d dt=%s\n", result.Model, result.Steps, result.StepSize)
	for _, pt := range result.Trajectory {
		fmt.Fprintf(formatter.Writer, "%4d  %7.3f\n", pt.Step, pt.Temperature)
	}
	return nil
}
