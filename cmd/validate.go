package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/edgefw/netreject/internal/config"
	"github.com/edgefw/netreject/internal/divert"
)

var validateCmd = &cobra.Command{
	Use:   "validate [divert-filter]",
	Short: "Validate a filter expression or configuration file",
	Long: `Validate a filter expression, or the whole configuration when no
filter is given, without diverting any traffic.

Examples:
  netreject validate "outbound and tcp and dst port 80"
  netreject validate -c /etc/netreject/config.yml`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runValidateCommand(args)
	},
}

func runValidateCommand(args []string) {
	if len(args) > 0 {
		if err := divert.ValidateFilter(args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("VALID: filter %q\n", args[0])
		return
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("VALID: effective configuration:")
	out, err := yaml.Marshal(cfg)
	if err != nil {
		exitWithError("failed to render config", err)
	}
	os.Stdout.Write(out)
}
