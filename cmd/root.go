// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "netreject",
	Short: "netreject - reject filter for diverted network traffic",
	Long: `netreject blocks traffic matching a divert filter the way iptables
does with the REJECT target:
  - TCP: answer with a TCP RST.
  - UDP: answer with an ICMP(v6) destination unreachable error.
  - ICMP/ICMPv6: drop the packet.

Examples:
  netreject run true
  netreject run "outbound and tcp and dst port 80" -p 1000
  netreject run "inbound and udp" -p -4000
  netreject replay -r trace.pcap -w replies.pcap "udp and dst port 53"`,
	Version: "0.1.0",
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path")

	// Add subcommands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(validateCmd)
}

// exitWithError prints error message and exits with code 1
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
