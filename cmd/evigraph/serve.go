package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"evigraph/internal/logging"
	"evigraph/internal/mcp"
	"evigraph/internal/metrics"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

var (
	serveMetricsAddr   string
	serveContract      string
	serveApplyContract bool
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server over stdio",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "Expose Prometheus metrics on this address (e.g. :9464)")
	cmd.Flags().StringVar(&serveContract, "contract", "", "Declare this contract's tasks before serving")
	cmd.Flags().BoolVar(&serveApplyContract, "apply", false, "Apply every step of --contract instead of declaring only its tasks")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, _, err := loadEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close(context.Background())

	if serveContract != "" {
		res, err := declareContract(ctx, eng, serveContract, serveApplyContract, "contract")
		if err != nil {
			return err
		}
		logging.New("serve").Info("contract loaded",
			slog.String("path", serveContract),
			slog.Int("actions", len(res.Actions)))
	}

	if serveMetricsAddr != "" {
		srv := metricsServer(serveMetricsAddr)
		log := logging.New("metrics")
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server stopped", slog.String("error", err.Error()))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	server := mcp.NewServer(eng, version, logging.New("mcp"))
	return server.Run(ctx, &sdk.StdioTransport{})
}

func metricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
