// Package main implements the bicrawl command-line interface.
package main

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "bicrawl",
	Short: "Distributed crawl and parse engine",
	Long: `bicrawl fetches pages from seed URLs, extracts discovered links,
and stores raw payloads through a pluggable queue fabric.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	rootCmd.AddCommand(newCrawlCommand())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("bicrawl version %s\n", "1.0.0")
		},
	})
}
