// Command bridgectl is the operator-facing CLI for the bridge daemon:
// ping/call/metrics against the live socket, falling back to a
// subprocess invocation of bridged itself (spec §4.H) when the socket
// is unreachable.
//
// Grounded on the pack's cobra-based client CLIs (steveyegge-beads'
// cmd/dialog-client) for the overall command shape; the daemon-vs-
// fallback dispatch logic is bridgeclient.Client.Reachable() gating
// fallback.RunSubprocess, exactly the pattern DESIGN.md records for
// cmd/bridged's own --fallback-exec half.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/CodeAmalgamation/bridged/bridgeclient"
	"github.com/CodeAmalgamation/bridged/fallback"
	"github.com/CodeAmalgamation/bridged/message"
)

var (
	socketPath string
	binaryPath string
	paramsJSON string
)

func main() {
	root := &cobra.Command{
		Use:   "bridgectl",
		Short: "Operator CLI for the bridge daemon",
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", "/tmp/bridged/bridge.sock", "daemon socket path")
	root.PersistentFlags().StringVar(&binaryPath, "bridged-path", "bridged", "path to the bridged binary, used as a fallback subprocess target")

	root.AddCommand(newPingCmd(), newCallCmd(), newMetricsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check whether the daemon is reachable and report its uptime",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAndPrint(message.Request{Module: "system", Function: "ping"})
		},
	}
}

func newMetricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Print the daemon's current metrics snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAndPrint(message.Request{Module: "system", Function: "metrics"})
		},
	}
}

func newCallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <module> <function>",
		Short: "Invoke one module function with JSON-encoded params",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{}
			if paramsJSON != "" {
				if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
					return fmt.Errorf("bridgectl: decode --params: %w", err)
				}
			}
			return runAndPrint(message.Request{Module: args[0], Function: args[1], Params: params})
		},
	}
	cmd.Flags().StringVar(&paramsJSON, "params", "", "JSON object of parameters")
	return cmd
}

// runAndPrint dispatches req over the live daemon socket when reachable,
// falling back to a one-shot bridged --fallback-exec subprocess
// otherwise, then prints the response envelope as JSON.
func runAndPrint(req message.Request) error {
	resp, err := dispatch(req)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return fmt.Errorf("bridgectl: encode response: %w", err)
	}
	fmt.Println(string(out))
	if !resp.Success {
		os.Exit(1)
	}
	return nil
}

func dispatch(req message.Request) (*message.Response, error) {
	client := bridgeclient.New("unix", socketPath, bridgeclient.WithTimeout(5*time.Second))
	defer client.Close()

	if client.Reachable() {
		resp, err := client.Call(req)
		if err == nil {
			return resp, nil
		}
		fmt.Fprintf(os.Stderr, "bridgectl: daemon call failed, falling back to subprocess: %v\n", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	resp, err := fallback.RunSubprocess(ctx, binaryPath, req)
	if err != nil {
		return nil, fmt.Errorf("bridgectl: daemon unreachable and fallback subprocess failed: %w", err)
	}
	return resp, nil
}
