package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "accredit",
	Short:         "Map evidence documents to accreditation standards",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().String("token", "", "bearer token (default $ACCREDIT_TOKEN)")

	rootCmd.AddCommand(startCmd, statusCmd, mcpCmd)
	rootCmd.AddCommand(documentsCmd, analyzeCmd, jobCmd, mappingsCmd, verifyCmd, snapshotCmd)
	rootCmd.AddCommand(catalogCmd, configCmd, tokenCmd)

	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		noColor = true
	}
	rootCmd.SetVersionTemplate(fmt.Sprintf("accredit version %s\n", version))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

