package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/driftlock/inletd/internal/config"
	"github.com/driftlock/inletd/internal/server"
)

var (
	serveConfig string
	servePolicy string
	servePorts  []uint
	serveAudit  string
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveConfig, "config", "", "Path to runtime config YAML")
	serveCmd.Flags().StringVar(&servePolicy, "policy", "", "Path to policy snapshot YAML (overrides config)")
	serveCmd.Flags().UintSliceVar(&servePorts, "port", nil, "Inbound port (repeatable, overrides config)")
	serveCmd.Flags().StringVar(&serveAudit, "audit-log", "", "Path to connection event log JSONL (overrides config)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the inbound admission core",
	Long: "Listens on the configured inbound ports and runs the per-connection pipeline:\n" +
		"sniff, terminate TLS, admit, route. Policy and credential files hot-reload.",
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serveConfig)
	if err != nil {
		return err
	}
	if servePolicy != "" {
		cfg.PolicyPath = servePolicy
	}
	if len(servePorts) > 0 {
		cfg.Ports = cfg.Ports[:0]
		for _, p := range servePorts {
			if p == 0 || p > 65535 {
				return fmt.Errorf("invalid port %d", p)
			}
			cfg.Ports = append(cfg.Ports, uint16(p))
		}
	}
	if serveAudit != "" {
		cfg.AuditLog = serveAudit
	}

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down...")
		cancel()
	}()

	if err := srv.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}
