package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var queueShowAll bool

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the pending mutation queue",
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.New(os.Stderr, "[queue] ", log.LstdFlags)

		a, err := buildApp(logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		ctx := context.Background()

		entries, err := a.local.AllQueueEntries(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		shown := 0
		for _, e := range entries {
			if e.Synced && !queueShowAll {
				continue
			}
			state := "pending"
			if e.Synced {
				state = "synced"
			}
			fmt.Printf("#%-5d %-8s %-7s %-16s %-10s %s\n",
				e.ID, state, e.Operation, e.Table, e.RecordID, e.CreatedAt.Format(time.RFC3339))
			if e.Error != "" {
				fmt.Printf("       last error: %s\n", e.Error)
			}
			shown++
		}
		if shown == 0 {
			fmt.Println("Queue is empty")
		}
	},
}

var queueExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the mutation queue as JSONL to stdout",
	Long: `Export writes every queue entry, synced or not, as one JSON object per
line. Useful for offline triage of a device that cannot sync.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.New(os.Stderr, "[queue] ", log.LstdFlags)

		a, err := buildApp(logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		n, err := a.local.ExportQueueJSONL(context.Background(), os.Stdout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: export failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "Exported %d entries\n", n)
	},
}

func init() {
	queueCmd.Flags().BoolVar(&queueShowAll, "all", false, "include entries already synced but not yet purged")
	queueCmd.AddCommand(queueExportCmd)
}
