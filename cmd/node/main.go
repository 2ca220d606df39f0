// Command node runs a single synnergy cluster node: membership, scheduler,
// runtime, gateway, usage accounting, and the admin/metrics surface, all
// wired by internal/node.New per a YAML config file.
package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{Use: "node"}
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(versionCmd())
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Fatal("node")
	}
}
