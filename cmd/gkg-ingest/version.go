package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the gkg-ingest version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("gkg-ingest %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
