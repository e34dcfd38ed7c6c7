// Author: webdunesurfer <vkh@gmx.at>
// Licensed under the GNU General Public License v3.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/webdunesurfer/lesocket/pkg/config"
	"github.com/webdunesurfer/lesocket/pkg/logger"
	"github.com/webdunesurfer/lesocket/pkg/server"
)

var (
	configFile string
	listenAddr string
	kind       string
	source     string
	httpAddr   string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "lesocket-server",
	Short: "Serve logins and broadcast data updates",
	Long: `Accept client connections, answer login requests and push every new
data value to all logged-in clients.

Configuration is read from --config (YAML) and LESOCKET_* environment
variables; the flags below override both.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&configFile, "config", "", "Configuration file (YAML)")
	rootCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address, e.g. :12345")
	rootCmd.Flags().StringVar(&kind, "transport", "", "Transport: tcp, quic or ws")
	rootCmd.Flags().StringVar(&source, "source", "", "Data source: simulation, redis, kafka or amqp")
	rootCmd.Flags().StringVar(&httpAddr, "http", "", "HTTP address for /healthz, /status and /ws")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

func run(cmd *cobra.Command, args []string) error {
	overrides := map[string]interface{}{}
	set := func(flag, key, value string) {
		if cmd.Flags().Changed(flag) {
			overrides[key] = value
		}
	}
	set("listen", "listen_addr", listenAddr)
	set("transport", "transport.kind", kind)
	set("source", "source.kind", source)
	set("http", "http.addr", httpAddr)
	set("log-level", "log.level", logLevel)

	cfg, err := config.LoadServer(configFile, overrides)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer log.Sync()

	s, err := server.New(cfg, log)
	if err != nil {
		log.Error("Failed to start server", zap.Error(err))
		return err
	}
	log.Info("Listening", zap.Stringer("addr", s.Addr()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
