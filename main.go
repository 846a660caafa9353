package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lakeshed/reddit-medallion/pipeline"
	"github.com/lakeshed/reddit-medallion/store"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "reddit-medallion",
		Short:         "Medallion pipeline for Reddit post batches",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")

	root.AddCommand(newServeCommand(&configPath))
	root.AddCommand(newRunCommand(&configPath))
	return root
}

// newServeCommand starts the polling service with the health surface.
func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Poll the input directory and process batches continuously",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer logger.Sync()

			config, err := LoadConfig(*configPath)
			if err != nil {
				return err
			}
			logger.Info("loaded configuration", zap.String("path", *configPath))

			service, err := NewService(config, logger)
			if err != nil {
				return err
			}

			healthServer := NewHealthServer(service, config.Service.HealthPort, logger)
			go func() {
				if err := healthServer.Start(); err != nil {
					logger.Error("health server error", zap.Error(err))
				}
			}()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			errChan := make(chan error, 1)
			go func() {
				errChan <- service.Start()
			}()

			select {
			case <-sigChan:
				logger.Info("received shutdown signal")
				service.Stop()
				return nil
			case err := <-errChan:
				return err
			}
		},
	}
}

// newRunCommand processes a single batch file and prints its summary.
func newRunCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run <batch-file>",
		Short: "Process one batch file and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer logger.Sync()

			config, err := LoadConfig(*configPath)
			if err != nil {
				return err
			}
			if config.Store.Path == "" {
				return fmt.Errorf("store.path is required")
			}

			st, err := store.Open(config.StoreOptions(), logger)
			if err != nil {
				return err
			}
			defer st.Close()

			service := &Service{
				config:      config,
				store:       st,
				coordinator: pipeline.New(st, logger),
				logger:      logger,
				stopChan:    make(chan struct{}),
				doneChan:    make(chan struct{}),
			}
			if err := service.ProcessFile(context.Background(), args[0]); err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(service.Stats().LastSummary)
		},
	}
}
