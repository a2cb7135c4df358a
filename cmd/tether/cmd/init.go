package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cloudtether/tether/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Write a commented default configuration to .tether/config.yaml in the
current directory, along with the state directory the session store uses.`,
	RunE: runInit,
}

var initForce bool

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing configuration")
}

func runInit(_ *cobra.Command, _ []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting current directory: %w", err)
	}

	configPath := filepath.Join(cwd, ".tether", "config.yaml")
	if initForce {
		if err := os.Remove(configPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing existing config: %w", err)
		}
	}
	if err := config.WriteDefault(configPath); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Join(cwd, ".tether", "state"), 0o750); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	fmt.Println("Initialized tether in", cwd)
	fmt.Println("Configuration file: .tether/config.yaml")
	fmt.Println("Run 'tether check <target>' to verify a target before connecting")
	return nil
}
