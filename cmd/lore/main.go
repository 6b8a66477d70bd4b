package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	dbPath  string
	apiURL  string
	apiKey  string
	project string
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	rootCmd := &cobra.Command{
		Use:   "lore",
		Short: "Lore - cross-agent memory for operational lessons",
		Long: `lore publishes and retrieves operational lessons: short problem/resolution
pairs that agents inject into their prompts. Lessons live in a local database
by default; point --api-url at a lore server to share them.`,
		Version: version,
	}

	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to the local lesson database")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", os.Getenv("LORE_API_URL"), "Lore server URL (switches to the remote store)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("LORE_API_KEY"), "API key for the lore server")
	rootCmd.PersistentFlags().StringVarP(&project, "project", "p", "", "Project namespace")

	rootCmd.AddCommand(newPublishCommand())
	rootCmd.AddCommand(newQueryCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newGetCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newVoteCommand("upvote"))
	rootCmd.AddCommand(newVoteCommand("downvote"))
	rootCmd.AddCommand(newExportCommand())
	rootCmd.AddCommand(newImportCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newOrgCommand())
	rootCmd.AddCommand(newKeysCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
