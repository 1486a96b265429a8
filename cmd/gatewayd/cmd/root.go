// Package cmd implements the gatewayd CLI, following the teacher's
// persistent-flags/color-status/log-level idiom from cli/cmd/root.go.
package cmd

import (
	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	stdout = color.Output
	stderr = color.Error

	okStatus   = color.New(color.FgGreen, color.Bold).SprintFunc()("√")
	warnStatus = color.New(color.FgYellow, color.Bold).SprintFunc()("‼")
	failStatus = color.New(color.FgRed, color.Bold).SprintFunc()("×")

	workerCommand string
	workerCount   int
	verbose       bool
)

// RootCmd is the gatewayd entry point.
var RootCmd = &cobra.Command{
	Use:   "gatewayd",
	Short: "gatewayd serves local LLM inference requests across a pool of worker processes",
	Long:  `gatewayd manages a pool of model-serving worker processes and exposes generation over a priority-scheduled, admission-controlled gateway.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			log.SetLevel(log.DebugLevel)
		} else {
			log.SetLevel(log.InfoLevel)
		}
		return nil
	},
}

func init() {
	RootCmd.PersistentFlags().StringVar(&workerCommand, "worker-command", "", "path to the worker process binary [$GATEWAYD_WORKER_COMMAND]")
	RootCmd.PersistentFlags().IntVar(&workerCount, "workers", 1, "number of worker processes to supervise")
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "turn on debug logging")
	serveCmd.Flags().StringVar(&adminAddr, "admin-addr", "", "address to serve the JSON stats endpoint on, e.g. 127.0.0.1:9090")
	statsCmd.Flags().StringVar(&statsAddr, "admin-addr", "127.0.0.1:9090", "address of a running gatewayd's stats endpoint")

	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(statsCmd)
}
