package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

var cmdRoot = &cobra.Command{
	Use:   "swcache",
	Short: "Offline cache proxy for the Cloudburst web app",
	Long: `
swcache sits in front of the web server and answers page loads network-first
and static assets cache-first, falling back to the offline page when the
network is gone. It also surfaces push messages as notifications.
`,
	Version:           version,
	SilenceErrors:     true,
	SilenceUsage:      true,
	DisableAutoGenTag: true,
}

func main() {
	cmdRoot.AddCommand(newServeCommand(), newPushCommand(), newStatusCommand())
	if err := cmdRoot.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
