package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cdprelay/cdprelay/internal/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the relay version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(config.Version)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
