package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/edgefw/netreject/internal/dispatch"
	"github.com/edgefw/netreject/internal/divert"
	"github.com/edgefw/netreject/internal/log"
)

var replayCmd = &cobra.Command{
	Use:   "replay [divert-filter]",
	Short: "Replay a pcap file through the reject filter",
	Long: `Replay a capture file through the reject filter as if its packets
arrived from the network. Synthesized replies are appended to the
output capture when one is given.

Replayed packets are always treated as inbound traffic, so a filter
with an "outbound" term matches nothing here.

Examples:
  netreject replay -r trace.pcap "udp and dst port 53"
  netreject replay -r trace.pcap -w replies.pcap true`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runReplayCommand(cmd, args)
	},
}

var (
	replayInput  string
	replayOutput string
)

func init() {
	replayCmd.Flags().StringVarP(&replayInput, "read", "r", "",
		"input capture file (required)")
	replayCmd.Flags().StringVarP(&replayOutput, "write", "w", "",
		"output capture file for synthesized replies")
	replayCmd.MarkFlagRequired("read")
}

func runReplayCommand(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd, args)
	log.Init(cfg.Log)

	if f, err := divert.CompileFilter(cfg.Filter); err == nil {
		if d, ok := f.DirectionTerm(); ok && d == divert.DirectionOutbound {
			log.GetLogger().Warn("replayed packets are treated as inbound; an outbound filter matches nothing")
		}
	}

	handle := divert.NewReplayHandle(cfg.Filter, divert.ReplayOptions{
		Input:  replayInput,
		Output: replayOutput,
	})
	if err := handle.Open(); err != nil {
		if errors.Is(err, divert.ErrFilterSyntax) {
			exitWithError("filter syntax error", err)
		}
		exitWithError("failed to open capture", err)
	}
	defer handle.Close()

	if err := dispatch.New(handle).Run(context.Background()); err != nil {
		exitWithError("dispatch loop failed", err)
	}

	fmt.Printf("replay done: %d packet(s) matched, %d reply(ies) written\n",
		handle.Received(), handle.Sent())
}
