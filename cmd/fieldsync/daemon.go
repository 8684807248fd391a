package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/buildrite/fieldsync/internal/daemon"
	"github.com/buildrite/fieldsync/internal/dashboard"
)

var (
	daemonNoDashboard bool
	daemonPort        int
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync daemon",
	Long: `Daemon runs the sync layer as a long-lived process: it monitors
connectivity, drains the mutation queue on reconnect and on a periodic
timer, keeps cached tables fresh via realtime subscriptions, and hot
reloads the conflict strategy file when it changes on disk.

A small websocket dashboard broadcasts sync activity for local tooling;
disable it with --no-dashboard.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := newDaemonLogger()

		a, err := buildApp(logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		var dash *dashboard.Server
		if !daemonNoDashboard {
			dash = dashboard.NewServer(&dashboard.Config{
				Port:   daemonPort,
				Logger: logger,
			})
			if err := dash.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to start dashboard: %v\n", err)
				os.Exit(1)
			}
			defer dash.Stop()
			logger.Printf("Dashboard listening on %s", dash.GetAddr())
		}

		d, err := daemon.New(a.local, a.monitor, a.syncer, a.resolver, a.processor, &daemon.Config{
			StrategyPath: viper.GetString("strategy.path"),
			Dashboard:    dash,
			Logger:       logger,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: daemon failed: %v\n", err)
			os.Exit(1)
		}
	},
}

// newDaemonLogger writes to stderr, and additionally to a rotated log file
// when log.file is configured.
func newDaemonLogger() *log.Logger {
	var w io.Writer = os.Stderr
	if path := viper.GetString("log.file"); path != "" {
		w = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		})
	}
	return log.New(w, "[fieldsync] ", log.LstdFlags)
}

func init() {
	daemonCmd.Flags().BoolVar(&daemonNoDashboard, "no-dashboard", false, "disable the activity dashboard")
	daemonCmd.Flags().IntVar(&daemonPort, "port", 8931, "dashboard port")
	_ = viper.BindPFlag("dashboard.port", daemonCmd.Flags().Lookup("port"))
}
