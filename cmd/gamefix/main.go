package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"

	cfgFile       string
	catalogPath   string
	sharedCatalog string
	gameRoot      string
	gameID        int
	buildID       int
	jsonOutput    bool
)

var rootCmd = &cobra.Command{
	Use:   "gamefix",
	Short: "Install and remove game fixes",
	Long: `gamefix applies fixes from a catalog to an installed game: file replacements,
binary patches, registry values and hosts entries. Every change is recorded
under the game directory and can be reverted.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("gamefix v%s\n", version)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is gamefix.yaml in the user config dir)")
	flags.StringVar(&catalogPath, "catalog", "", "fixes list JSON file")
	flags.StringVar(&sharedCatalog, "shared-catalog", "", "shared fixes JSON file")
	flags.StringVar(&gameRoot, "game-root", "", "install directory of the game")
	flags.IntVar(&gameID, "game-id", 0, "catalog id of the game")
	flags.IntVar(&buildID, "build", 0, "current build id of the game")
	flags.BoolVar(&jsonOutput, "json", false, "print results as JSON")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(variantsCmd)
	rootCmd.AddCommand(auditCmd)
}

func main() {
	err := rootCmd.Execute()
	closeApp()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
