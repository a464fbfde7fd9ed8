package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"transport-tracker/internal/config"
	"transport-tracker/internal/logging"
	"transport-tracker/internal/sampler"
	"transport-tracker/internal/session"
	"transport-tracker/internal/trip"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "tracker",
		Short:         "School transport trip tracker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(runCmd(), reconcileCmd(), verifyCmd(), statusCmd(), stopCmd(), flushCmd(), completeStopCmd())
	return cmd
}

// setup loads configuration and builds the shared environment. The caller
// must call env.close.
func setup(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	logger := log.StandardLogger()
	if err := logging.Configure(logger, logging.Options{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxAgeDays: cfg.LogMaxAgeDays,
	}); err != nil {
		return nil, err
	}
	return newEnv(ctx, cfg, logger)
}

func runCmd() *cobra.Command {
	var (
		req       session.StartRequest
		tripType  string
		stopsFile string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Track a trip until it ends or the process is interrupted",
		Long: `Run reconciles persisted state with the backend, then either starts the
trip given by --trip or resumes the persisted one. Interrupting the process
disarms tracking but keeps the trip persisted so the next run can resume it.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Root context with cancellation on SIGINT/SIGTERM
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			if stopsFile != "" {
				if req.Meta.Stops, err = readStops(stopsFile); err != nil {
					return err
				}
			}
			req.Meta.TripType = trip.Type(tripType)

			// Reconcile before arming anything so a stale trip is never resumed.
			res := e.controller(nil).Reconcile(ctx)

			stops := req.Meta.Stops
			if req.TripID == "" {
				if res.Outcome != session.OutcomeValid {
					e.log.Info("no trip to track")
					return nil
				}
				if set, ok := e.store.StopSet(ctx, res.Trip.TripID); ok {
					stops = set.Stops
				}
			}
			p, err := e.provider(stops)
			if err != nil {
				return err
			}
			ctrl := e.controller(p)

			if req.TripID != "" {
				err = ctrl.Start(ctx, req)
			} else {
				err = ctrl.Resume(ctx)
			}
			if errors.Is(err, sampler.ErrPermissionDenied) {
				return fmt.Errorf("location permission is required to track a trip: %w", err)
			}
			if err != nil {
				return err
			}

			<-ctx.Done()
			ctrl.Shutdown()
			e.log.Info("shutdown complete")
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.TripID, "trip", "", "Trip ID to start; empty resumes the persisted trip")
	f.StringVar(&req.VehicleID, "vehicle", "", "Vehicle ID")
	f.StringVar(&req.RouteName, "route", "", "Route name shown in notifications")
	f.StringVar(&req.APIBase, "api-base", "", "API base URL (defaults to API_BASE_URL)")
	f.StringVar(&req.Meta.SchoolID, "school", "", "School ID for stop notifications")
	f.StringVar(&req.Meta.LicensePlate, "plate", "", "Vehicle license plate")
	f.StringVar(&tripType, "type", string(trip.Pickup), "Trip type (PICKUP or DROP)")
	f.StringVar(&stopsFile, "stops", "", "JSON file with the trip's stops")
	return cmd
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Clear persisted trip state the backend no longer considers in progress",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withController(cmd.Context(), func(ctx context.Context, c *session.Controller) error {
				res := c.Reconcile(ctx)
				out := map[string]any{"outcome": res.Outcome, "tripId": res.Trip.TripID, "status": res.Status}
				if res.Err != nil {
					out["error"] = res.Err.Error()
				}
				return printJSON(out)
			})
		},
	}
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check whether the persisted trip is still in progress",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withController(cmd.Context(), func(ctx context.Context, c *session.Controller) error {
				alive, err := c.Verify(ctx)
				if err != nil {
					return fmt.Errorf("verify: %w", err)
				}
				return printJSON(map[string]any{"inProgress": alive})
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the persisted trip, its stops and the retry queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withController(cmd.Context(), func(ctx context.Context, c *session.Controller) error {
				out := map[string]any{"queued": c.QueueLen(ctx)}
				if d, ok := c.ActiveTrip(ctx); ok {
					out["trip"] = d
				}
				if set, ok := c.StopSet(ctx); ok {
					out["stops"] = set
				}
				return printJSON(out)
			})
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "End the persisted trip and clear its state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withController(cmd.Context(), func(ctx context.Context, c *session.Controller) error {
				return c.Stop(ctx)
			})
		},
	}
}

func flushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Resend queued location updates",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withController(cmd.Context(), func(ctx context.Context, c *session.Controller) error {
				res := c.FlushQueue(ctx)
				out := map[string]any{
					"sent":          res.Sent,
					"dropped":       res.Dropped,
					"requeued":      res.Requeued,
					"stopRequested": res.StopRequested,
				}
				if res.Err != nil {
					out["error"] = res.Err.Error()
				}
				return printJSON(out)
			})
		},
	}
}

func completeStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete-stop <stop-id>",
		Short: "Mark a stop of the persisted trip as serviced",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(cmd.Context(), func(ctx context.Context, c *session.Controller) error {
				return c.CompleteStop(ctx, args[0])
			})
		},
	}
}

// withController runs fn against a controller that has no position source.
func withController(parent context.Context, fn func(context.Context, *session.Controller) error) error {
	if parent == nil {
		parent = context.Background()
	}
	e, err := setup(parent)
	if err != nil {
		return err
	}
	defer e.close()
	return fn(parent, e.controller(nil))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
