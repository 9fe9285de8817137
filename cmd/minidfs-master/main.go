// Command minidfs-master runs the miniDFS Master: namespace, durability,
// cluster controller and write pipeline behind one RPC listener (spec.md
// §4.1).
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/minidfs/minidfs/internal/config"
	"github.com/minidfs/minidfs/internal/logging"
	"github.com/minidfs/minidfs/internal/master"
)

var (
	cfgFile  string
	logLevel string
	format   bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "minidfs-master",
		Short: "Run the miniDFS Master namespace/cluster server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}
	cmd.Flags().StringVar(&cfgFile, "config-file", "", "optional YAML config file overlay")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&format, "format", false, "format the namespace and exit without serving")
	config.BindFlags(cmd.Flags(), v)

	cobra.OnInitialize(func() { initConfigFile(v) })
	return cmd
}

func initConfigFile(v *viper.Viper) {
	if cfgFile == "" {
		return
	}
	v.SetConfigFile(cfgFile)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "minidfs-master: reading config file: %v\n", err)
		os.Exit(1)
	}
}

func run(v *viper.Viper) error {
	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logging.New("master", logLevel)

	m, err := master.New(master.Config{
		NThread:                    cfg.NThread,
		MaxQueued:                  cfg.MaxConnections,
		NameSysFile:                cfg.NameSysFile,
		EditLogFile:                cfg.EditLogFile,
		ReplicationFactor:          cfg.ReplicationFactor,
		PlacementSeed:              cfg.PlacementSeed,
		EditLogCheckpointThreshold: cfg.EditLogCheckpointThreshold,
		StatusCheckInterval:        cfg.StatusCheckInterval,
	}, log)
	if err != nil {
		return fmt.Errorf("assembling master: %w", err)
	}

	if format {
		log.Info("master: formatting namespace")
		return m.Format()
	}

	addr := fmt.Sprintf("%s:%d", cfg.MasterIP, cfg.MasterPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	log.WithField("addr", addr).Info("master: listening")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("master: shutting down")
		cancel()
		ln.Close()
	}()

	if err := m.Serve(ctx, ln); err != nil && ctx.Err() == nil {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}
