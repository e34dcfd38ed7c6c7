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

	"github.com/webdunesurfer/lesocket/pkg/client"
	"github.com/webdunesurfer/lesocket/pkg/config"
	"github.com/webdunesurfer/lesocket/pkg/logger"
)

var (
	configFile string
	serverAddr string
	kind       string
	login      string
	password   string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "lesocket-client",
	Short: "Log in to a lesocket server and print data updates",
	Long: `Connect to the server, log in and print every data update it pushes.

A rejected login is retried after retry_delay until it succeeds. The
connection itself is never re-established; the client exits when it drops.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&configFile, "config", "", "Configuration file (YAML)")
	rootCmd.Flags().StringVar(&serverAddr, "server", "", "Server address, e.g. localhost:12345")
	rootCmd.Flags().StringVar(&kind, "transport", "", "Transport: tcp, quic or ws")
	rootCmd.Flags().StringVar(&login, "login", "", "Login name")
	rootCmd.Flags().StringVar(&password, "password", "", "Password")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

func run(cmd *cobra.Command, args []string) error {
	overrides := map[string]interface{}{}
	set := func(flag, key, value string) {
		if cmd.Flags().Changed(flag) {
			overrides[key] = value
		}
	}
	set("server", "server_addr", serverAddr)
	set("transport", "transport.kind", kind)
	set("login", "login", login)
	set("password", "password", password)
	set("log-level", "log.level", logLevel)

	cfg, err := config.LoadClient(configFile, overrides)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer log.Sync()

	c, err := client.New(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := c.Run(ctx); err != nil {
		log.Error("Failed to connect", zap.String("server", cfg.ServerAddr), zap.Error(err))
		return err
	}

	n, last := c.Received()
	log.Info("Client stopped", zap.Uint64("updates", n), zap.String("last", last), zap.Stringer("login_state", c.LoginState()))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
