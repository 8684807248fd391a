package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity, queue backlog, and cache freshness",
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.New(os.Stderr, "[status] ", log.LstdFlags)

		a, err := buildApp(logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		ctx := context.Background()

		if a.monitor.CheckConnection(ctx) {
			fmt.Println("Remote:  reachable")
		} else {
			fmt.Println("Remote:  unreachable")
		}

		pending, err := a.local.PendingCount(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Queue:   %d pending mutation(s)\n", pending)

		if pending > 0 {
			byTable, err := a.local.PendingByTable(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			tables := make([]string, 0, len(byTable))
			for tbl := range byTable {
				tables = append(tables, tbl)
			}
			sort.Strings(tables)
			for _, tbl := range tables {
				fmt.Printf("         %s: %d\n", tbl, byTable[tbl])
			}
		}

		fmt.Println("Cache:")
		for _, tbl := range a.syncer.Tables() {
			count, err := a.local.Count(ctx, tbl)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			last, ok := a.syncer.LastSync(tbl)
			switch {
			case !ok:
				fmt.Printf("         %-18s %5d rows, never synced\n", tbl, count)
			case a.syncer.IsStale(tbl):
				fmt.Printf("         %-18s %5d rows, stale (last sync %s)\n", tbl, count, last.Format(time.RFC3339))
			default:
				fmt.Printf("         %-18s %5d rows, fresh (last sync %s)\n", tbl, count, last.Format(time.RFC3339))
			}
		}

		recent, err := a.local.RecentErrors(ctx, 5)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(recent) > 0 {
			fmt.Println("Recent sync errors:")
			for _, e := range recent {
				fmt.Printf("         %s %s (code %d, %d attempts): %s\n",
					e.OccurredAt.Format(time.RFC3339), e.Operation, e.Code, e.Attempts, e.Message)
			}
		}
	},
}
