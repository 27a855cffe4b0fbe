// Copyright (C) 2025 XTR Dev.
// See LICENSE for copying information.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xtr-dev/rondevu-server/rendezvous"
	"github.com/xtr-dev/rondevu-server/rendezvous/cleanup"
	"github.com/xtr-dev/rondevu-server/rendezvous/rendezvousauth"
	"github.com/xtr-dev/rondevu-server/rendezvous/rpcserver"
	"github.com/xtr-dev/rondevu-server/rendezvousdb"
)

var rootCmd = &cobra.Command{
	Use:   "rondevu",
	Short: "WebRTC rendezvous and signaling broker",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the broker",
	RunE:  cmdRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func cmdRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	config, err := loadConfig(viper.GetViper())
	if err != nil {
		return err
	}

	log, err := newLogger(config)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	key := config.MasterEncryptionKey
	if key == "" {
		if !config.IsDevelopment() {
			return fmt.Errorf("MASTER_ENCRYPTION_KEY is required outside development")
		}
		log.Warn("MASTER_ENCRYPTION_KEY is not set, using the insecure built-in development key; " +
			"all stored credential secrets are readable by anyone with this build")
		key = rendezvousauth.DevelopmentKey
	}
	encryptor, err := rendezvousauth.NewEncryptor(key)
	if err != nil {
		return err
	}

	store, err := rendezvousdb.Open(ctx, log.Named("db"), config)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	service, err := rendezvous.NewService(log.Named("service"), store, encryptor, config, nil)
	if err != nil {
		return err
	}
	auth := rendezvous.NewAuthenticator(log.Named("auth"), store, encryptor, config, nil)

	dispatcher, err := rpcserver.NewDispatcher(log.Named("rpc"), service, auth, store, config, nil)
	if err != nil {
		return err
	}
	server, err := rpcserver.NewServer(log.Named("server"), dispatcher, config)
	if err != nil {
		return err
	}
	chore := cleanup.NewChore(log.Named("cleanup"), store, config, nil)

	log.Info("broker starting",
		zap.Int("port", config.Port),
		zap.String("storage", config.StorageType),
		zap.String("environment", config.Environment))

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return server.Run(ctx) })
	group.Go(func() error { return chore.Run(ctx) })
	return group.Wait()
}

func newLogger(config rendezvous.Config) (*zap.Logger, error) {
	if config.IsDevelopment() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
