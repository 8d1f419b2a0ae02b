package main

import "github.com/spf13/cobra"

func newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Classify files without uploading (test run)",
		Long: `Walk every configured folder and report which files would be uploaded,
without transferring bytes or mutating anything on the server.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runPipeline(true)
		},
	}
}
