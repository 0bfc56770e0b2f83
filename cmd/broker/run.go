package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/raft"
	"github.com/spf13/cobra"

	"github.com/cuemby/topicbroker/pkg/broker"
	"github.com/cuemby/topicbroker/pkg/config"
	"github.com/cuemby/topicbroker/pkg/events"
	"github.com/cuemby/topicbroker/pkg/metrics"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a broker candidate",
	Long: `Run starts one broker candidate: it campaigns for leadership via
the embedded coordination group, and once it wins, serves the publisher
and subscriber registration endpoints until it loses leadership or the
process is stopped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		candidateID, _ := cmd.Flags().GetString("candidate-id")

		var cfg *config.Manifest
		var err error
		if configPath != "" {
			cfg, err = config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
		} else {
			cfg = config.Default(candidateID)
		}

		b, err := broker.New(cfg, rootLog)
		if err != nil {
			return fmt.Errorf("construct broker: %w", err)
		}

		adminMux := http.NewServeMux()
		adminMux.Handle("/metrics", metrics.Handler())
		adminMux.HandleFunc("/healthz", b.Checker().HealthHandler())
		adminMux.HandleFunc("/readyz", b.Checker().ReadyHandler())
		adminMux.HandleFunc("/members", membersHandler(b))
		adminMux.HandleFunc("/election-status", electionStatusHandler(b))

		adminSrv := &http.Server{Addr: cfg.Spec.Metrics.ListenAddr, Handler: adminMux}
		go func() {
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				rootLog.Error().Err(err).Msg("admin server error")
			}
		}()
		rootLog.Info().Str("addr", cfg.Spec.Metrics.ListenAddr).Msg("admin/metrics endpoint listening")

		go consumeEvents(b.EventBus())

		ctx, cancel := context.WithCancel(context.Background())
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			rootLog.Info().Msg("shutdown signal received")
			cancel()
		}()

		runErr := b.Run(ctx)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = adminSrv.Shutdown(shutdownCtx)

		return runErr
	},
}

func init() {
	runCmd.Flags().String("config", "", "Path to a YAML broker manifest (overrides all other flags)")
	runCmd.Flags().String("candidate-id", "broker-1", "Candidate ID used when --config is not given")
}

// consumeEvents is the admin process's own subscriber to the broker's
// internal event bus: it counts every delivery by type for /metrics
// and logs it, standing in for a dedicated metrics-collector process.
func consumeEvents(bus *events.Broker) {
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	for ev := range sub {
		metrics.OperationalEventsTotal.WithLabelValues(string(ev.Type)).Inc()
		rootLog.Debug().Str("event", string(ev.Type)).Str("message", ev.Message).Msg("operational event")
	}
}

// membersHandler and electionStatusHandler back the `broker members`
// and `broker election-status` CLI commands: a thin JSON admin surface
// served alongside /metrics, in lieu of a full gRPC cluster-info API.

type memberInfo struct {
	ID       string `json:"id"`
	Address  string `json:"address"`
	Suffrage string `json:"suffrage"`
}

func membersHandler(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		servers, err := b.Members()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out := make([]memberInfo, 0, len(servers))
		for _, s := range servers {
			out = append(out, memberInfo{
				ID:       string(s.ID),
				Address:  string(s.Address),
				Suffrage: suffrageString(s.Suffrage),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

func suffrageString(s raft.ServerSuffrage) string {
	if s == raft.Voter {
		return "voter"
	}
	return "nonvoter"
}

type electionStatus struct {
	IsLeader bool   `json:"is_leader"`
	State    string `json:"state"`
}

func electionStatusHandler(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(electionStatus{
			IsLeader: b.IsLeader(),
			State:    string(b.State()),
		})
	}
}
