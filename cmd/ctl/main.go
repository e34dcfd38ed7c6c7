// Author: webdunesurfer <vkh@gmx.at>
// Licensed under the GNU General Public License v3.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/webdunesurfer/lesocket/pkg/ipc"
)

var (
	addr    string
	secret  string
	timeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "lesocketctl",
	Short:        "Query a running lesocket server over its control socket",
	SilenceUsage: true,
}

func command(use, short string, cmd ipc.Command) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return send(cmd)
		},
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addr, "addr", ipc.DefaultAddr, "Control socket address")
	rootCmd.PersistentFlags().StringVar(&secret, "secret", os.Getenv("LESOCKET_IPC_SECRET"), "Control socket secret")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")

	rootCmd.AddCommand(
		command("status", "Show server state and transport", ipc.CmdGetStatus),
		command("stats", "Show registry, repository and broadcast counters", ipc.CmdGetStats),
		command("clients", "List logged-in clients", ipc.CmdGetClients),
		command("data", "Dump the repository content", ipc.CmdGetData),
	)
}

func send(cmd ipc.Command) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	resp, err := ipc.Send(ctx, addr, ipc.Request{Command: cmd, IPCSecret: secret})
	if err != nil {
		return fmt.Errorf("%w. Is the server running?", err)
	}
	if resp.Status == ipc.StatusError {
		return fmt.Errorf("error: %s", resp.Message)
	}

	fmt.Printf("Status: %s\n", resp.Status)
	if resp.Message != "" {
		fmt.Printf("Message: %s\n", resp.Message)
	}
	if resp.Data != nil {
		dataJSON, _ := json.MarshalIndent(resp.Data, "", "  ")
		fmt.Printf("Data: %s\n", string(dataJSON))
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
