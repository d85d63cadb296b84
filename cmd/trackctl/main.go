package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/makeasinger/songforge/internal/cli"
	"github.com/makeasinger/songforge/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:          "trackctl",
	Short:        "Operate the songforge job store",
	SilenceUsage: true,
}

func main() {
	log, err := logger.New("development", "warn")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cli.SetupCLI(rootCmd, cli.ConfigDB, log)
	err = rootCmd.Execute()
	log.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
