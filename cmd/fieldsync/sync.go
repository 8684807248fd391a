package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/buildrite/fieldsync/internal/tablesync"
)

var syncQueueOnly bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the mutation queue and refresh cached tables",
	Long: `Sync drains the full pending mutation queue against the remote store,
then refreshes every cached table. Requires connectivity; exits with an
error if the remote store is unreachable.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.New(os.Stderr, "[sync] ", log.LstdFlags)

		a, err := buildApp(logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if !a.monitor.CheckConnection(ctx) {
			fmt.Fprintln(os.Stderr, "Error: remote store unreachable")
			os.Exit(1)
		}
		a.monitor.SetRawOnline(ctx, true)

		result, err := a.processor.SyncNow(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: queue drain failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Queue: %d synced, %d failed, %d purged\n", result.Synced, result.Failed, result.Purged)

		if syncQueueOnly {
			return
		}

		err = a.syncer.SyncAll(ctx, func(p tablesync.Progress) {
			if p.Err != nil {
				fmt.Printf("  [%d/%d] %s: FAILED: %v\n", p.Index, p.Total, p.Table, p.Err)
				return
			}
			fmt.Printf("  [%d/%d] %s: %d rows\n", p.Index, p.Total, p.Table, p.Rows)
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: table refresh failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Sync complete")
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncQueueOnly, "queue-only", false, "drain the queue without refreshing tables")
}
