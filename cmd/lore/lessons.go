package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jordanhubbard/lore/internal/lore"
)

// openLore builds a façade from the global flags.
func openLore() (*lore.Lore, error) {
	return lore.New(lore.Options{
		Project: project,
		DBPath:  dbPath,
		APIURL:  apiURL,
		APIKey:  apiKey,
		Embed:   hashEmbedding,
	})
}

func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	var tags []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func newPublishCommand() *cobra.Command {
	var (
		contextText string
		tags        string
		confidence  float64
		source      string
	)

	cmd := &cobra.Command{
		Use:   "publish <problem> <resolution>",
		Short: "Publish a lesson",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLore()
			if err != nil {
				return err
			}
			defer l.Close()

			id, err := l.Publish(context.Background(), lore.PublishInput{
				Problem:    args[0],
				Resolution: args[1],
				Context:    contextText,
				Tags:       splitTags(tags),
				Confidence: &confidence,
				Source:     source,
			})
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}

	cmd.Flags().StringVar(&contextText, "context", "", "Optional context text")
	cmd.Flags().StringVar(&tags, "tags", "", "Comma-separated tags")
	cmd.Flags().Float64Var(&confidence, "confidence", 0.5, "Confidence in [0,1]")
	cmd.Flags().StringVar(&source, "source", "", "Producer identifier")
	return cmd
}

func newQueryCommand() *cobra.Command {
	var (
		tags          string
		limit         int
		minConfidence float64
		asPrompt      bool
	)

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Retrieve the most relevant lessons",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLore()
			if err != nil {
				return err
			}
			defer l.Close()

			results, err := l.Query(context.Background(), args[0], lore.QueryOptions{
				Tags:          splitTags(tags),
				Limit:         limit,
				MinConfidence: minConfidence,
			})
			if err != nil {
				return err
			}
			if asPrompt {
				fmt.Print(lore.AsPrompt(results, 1000))
				return nil
			}
			if len(results) == 0 {
				fmt.Println("No results.")
				return nil
			}
			for _, r := range results {
				fmt.Printf("[%.3f] %s\n", r.Score, r.Lesson.ID)
				fmt.Printf("  Problem:    %s\n", r.Lesson.Problem)
				fmt.Printf("  Resolution: %s\n\n", r.Lesson.Resolution)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tags, "tags", "", "Comma-separated tags (all must match)")
	cmd.Flags().IntVar(&limit, "limit", 5, "Maximum results")
	cmd.Flags().Float64Var(&minConfidence, "min-confidence", 0, "Minimum raw confidence")
	cmd.Flags().BoolVar(&asPrompt, "prompt", false, "Emit a prompt fragment instead of a listing")
	return cmd
}

func newListCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List lessons, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLore()
			if err != nil {
				return err
			}
			defer l.Close()

			lessons, err := l.List(context.Background(), "", limit)
			if err != nil {
				return err
			}
			if len(lessons) == 0 {
				fmt.Println("No lessons.")
				return nil
			}
			for _, lesson := range lessons {
				fmt.Printf("%-28s %-50s %s\n", lesson.ID, truncate(lesson.Problem, 50), truncate(lesson.Resolution, 50))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum results")
	return cmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one lesson",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLore()
			if err != nil {
				return err
			}
			defer l.Close()

			lesson, err := l.Get(context.Background(), args[0])
			if err != nil {
				return err
			}
			if lesson == nil {
				return fmt.Errorf("lesson not found: %s", args[0])
			}
			fmt.Printf("ID:         %s\n", lesson.ID)
			fmt.Printf("Problem:    %s\n", lesson.Problem)
			fmt.Printf("Resolution: %s\n", lesson.Resolution)
			if lesson.Context != "" {
				fmt.Printf("Context:    %s\n", lesson.Context)
			}
			if len(lesson.Tags) > 0 {
				fmt.Printf("Tags:       %s\n", strings.Join(lesson.Tags, ", "))
			}
			fmt.Printf("Confidence: %g\n", lesson.Confidence)
			fmt.Printf("Votes:      +%d / -%d\n", lesson.Upvotes, lesson.Downvotes)
			fmt.Printf("Created:    %s\n", lesson.CreatedAt.Format("2006-01-02 15:04:05"))
			return nil
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a lesson",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLore()
			if err != nil {
				return err
			}
			defer l.Close()

			deleted, err := l.Delete(context.Background(), args[0])
			if err != nil {
				return err
			}
			if !deleted {
				return fmt.Errorf("lesson not found: %s", args[0])
			}
			fmt.Println("Deleted.")
			return nil
		},
	}
}

func newVoteCommand(direction string) *cobra.Command {
	return &cobra.Command{
		Use:   direction + " <id>",
		Short: strings.ToUpper(direction[:1]) + direction[1:] + " a lesson",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLore()
			if err != nil {
				return err
			}
			defer l.Close()

			if direction == "upvote" {
				err = l.Upvote(context.Background(), args[0])
			} else {
				err = l.Downvote(context.Background(), args[0])
			}
			return err
		},
	}
}

func newExportCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export lessons as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLore()
			if err != nil {
				return err
			}
			defer l.Close()

			if output == "" {
				return fmt.Errorf("--output is required")
			}
			lessons, err := l.ExportToFile(context.Background(), output)
			if err != nil {
				return err
			}
			fmt.Printf("Exported %d lessons to %s\n", len(lessons), output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination file")
	return cmd
}

func newImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import lessons from a JSON export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLore()
			if err != nil {
				return err
			}
			defer l.Close()

			n, err := l.ImportFromFile(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Imported %d lessons from %s\n", n, args[0])
			return nil
		},
	}
}
