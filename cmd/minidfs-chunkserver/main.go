// Command minidfs-chunkserver runs a miniDFS chunkserver agent: local block
// storage, the dataplane OP_WRITE/OP_READ listener, and the control loop
// that heartbeats, reports blocks and polls for replication tasks against
// a Master (spec.md §4.6).
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

	"github.com/minidfs/minidfs/internal/chunkserver"
	"github.com/minidfs/minidfs/internal/client"
	"github.com/minidfs/minidfs/internal/config"
	"github.com/minidfs/minidfs/internal/domain"
	"github.com/minidfs/minidfs/internal/logging"
)

var (
	cfgFile  string
	logLevel string
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
		Use:   "minidfs-chunkserver",
		Short: "Run a miniDFS chunkserver agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}
	cmd.Flags().StringVar(&cfgFile, "config-file", "", "optional YAML config file overlay")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
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
		fmt.Fprintf(os.Stderr, "minidfs-chunkserver: reading config file: %v\n", err)
		os.Exit(1)
	}
}

func run(v *viper.Viper) error {
	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logging.New("chunkserver", logLevel)

	store, err := chunkserver.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening block store: %w", err)
	}

	dataAddr := fmt.Sprintf("%s:%d", cfg.ServerIP, cfg.ServerPort)
	ln, err := net.Listen("tcp", dataAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", dataAddr, err)
	}
	log.WithField("addr", dataAddr).Info("chunkserver: dataplane listening")

	ds := chunkserver.NewDataServer(store, log)

	masterAddr := fmt.Sprintf("%s:%d", cfg.MasterIP, cfg.MasterPort)
	mc := client.NewMasterClient(masterAddr, log)

	self := domain.Endpoint{Ip: cfg.ServerIP, Port: cfg.ServerPort}
	agent := chunkserver.NewAgent(chunkserver.Config{
		Self:                   self,
		HeartBeatInterval:      cfg.HeartBeatInterval,
		BlockReportInterval:    cfg.BlockReportInterval,
		BlkTaskStartupInterval: cfg.BlkTaskStartupInterval,
	}, store, mc, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("chunkserver: shutting down")
		cancel()
		ln.Close()
	}()

	go agent.Run(ctx)

	if err := ds.Serve(ln); err != nil && ctx.Err() == nil {
		return fmt.Errorf("serving dataplane: %w", err)
	}
	return nil
}
