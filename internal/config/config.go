// Package config binds the miniDFS configuration surface of spec.md §6 to
// command-line flags with a YAML/env overlay, following the
// BindFlags-then-viper.BindPFlag pattern used for mount options elsewhere
// in the retrieved pack.
package config

import (
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds the field set spec.md §6 names as "recognized options"
// (replicationFactor among them), plus three Master settings:
// STATUS_CHECK_INTERVAL, the edit-log checkpoint threshold and the
// placement PRNG seed.
type Config struct {
	MasterIP   string `mapstructure:"masterIP"`
	MasterPort int    `mapstructure:"masterPort"`
	ServerIP   string `mapstructure:"serverIP"`
	ServerPort int    `mapstructure:"serverPort"`

	DataDir        string `mapstructure:"dataDir"`
	BlockSize      int64  `mapstructure:"blockSize"`
	MaxConnections int    `mapstructure:"maxConnections"`
	BufferSize     int    `mapstructure:"BUFFER_SIZE"`
	NThread        int    `mapstructure:"nThread"`

	HeartBeatInterval      time.Duration `mapstructure:"HEART_BEAT_INTERVAL"`
	BlockReportInterval    time.Duration `mapstructure:"BLOCK_REPORT_INTERVAL"`
	BlkTaskStartupInterval time.Duration `mapstructure:"BLK_TASK_STARTUP_INTERVAL"`
	StatusCheckInterval    time.Duration `mapstructure:"STATUS_CHECK_INTERVAL"`

	NameSysFile string `mapstructure:"nameSysFile"`
	EditLogFile string `mapstructure:"editLogFile"`

	ReplicationFactor int `mapstructure:"replicationFactor"`

	// EditLogCheckpointThreshold triggers a checkpoint once this many
	// records have been appended since the last one (spec.md §4.3:
	// "Triggered by explicit request or when the edit counter crosses a
	// configured threshold" — the threshold itself is left to deployment
	// config, not fixed by the spec).
	EditLogCheckpointThreshold int `mapstructure:"editLogCheckpointThreshold"`

	// PlacementSeed seeds allocateChunkservers' PRNG (spec.md §9: "a
	// well-specified PRNG with a documented seed source").
	PlacementSeed int64 `mapstructure:"placementSeed"`
}

// Defaults mirrors the original minidfs distribution's bundled config
// values where §9's design notes specify them, and otherwise picks sane
// didactic defaults.
func Defaults() Config {
	return Config{
		MasterIP:                   "127.0.0.1",
		MasterPort:                 9000,
		ServerIP:                   "127.0.0.1",
		ServerPort:                 9100,
		DataDir:                    "./data",
		BlockSize:                  64 << 20,
		MaxConnections:             256,
		BufferSize:                 64 << 10,
		NThread:                    8,
		HeartBeatInterval:          3 * time.Second,
		BlockReportInterval:        60 * time.Second,
		BlkTaskStartupInterval:     30 * time.Second,
		StatusCheckInterval:        10 * time.Second,
		NameSysFile:                "./fsimage",
		EditLogFile:                "./editlog",
		ReplicationFactor:          3,
		EditLogCheckpointThreshold: 1000,
		PlacementSeed:              time.Now().UnixNano(),
	}
}

// BindFlags registers every Config field onto fs with its default value,
// then binds each flag into v so environment variables and a config file
// loaded into v can override it (flag > env/file > default, per viper's
// own precedence once bound this way).
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) {
	d := Defaults()

	fs.String("master-ip", d.MasterIP, "Master control-plane listen/connect address")
	fs.Int("master-port", d.MasterPort, "Master control-plane listen/connect port")
	fs.String("server-ip", d.ServerIP, "chunkserver listen/connect address")
	fs.Int("server-port", d.ServerPort, "chunkserver listen/connect port")

	fs.String("data-dir", d.DataDir, "chunkserver local block storage directory")
	fs.Int64("block-size", d.BlockSize, "target block size in bytes")
	fs.Int("max-connections", d.MaxConnections, "maximum concurrent inbound connections")
	fs.Int("buffer-size", d.BufferSize, "I/O buffer size in bytes")
	fs.Int("n-thread", d.NThread, "dispatcher worker pool size")

	fs.Duration("heartbeat-interval", d.HeartBeatInterval, "chunkserver heartbeat period")
	fs.Duration("block-report-interval", d.BlockReportInterval, "chunkserver block report period")
	fs.Duration("blk-task-startup-interval", d.BlkTaskStartupInterval, "delay before the first getBlkTask poll")
	fs.Duration("status-check-interval", d.StatusCheckInterval, "Master liveness sweep period")

	fs.String("name-sys-file", d.NameSysFile, "fsimage path")
	fs.String("edit-log-file", d.EditLogFile, "edit log path")

	fs.Int("replication-factor", d.ReplicationFactor, "target replica count per block")
	fs.Int("edit-log-checkpoint-threshold", d.EditLogCheckpointThreshold, "edit count that triggers an automatic checkpoint")
	fs.Int64("placement-seed", d.PlacementSeed, "PRNG seed for chunkserver placement")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(mapstructureNameOf(f.Name), f)
	})
	v.AutomaticEnv()
}

// mapstructureNameOf converts a kebab-case flag name to the mapstructure
// tag used by Config, e.g. "master-ip" -> "masterIP".
func mapstructureNameOf(flagName string) string {
	if name, ok := flagAliases[flagName]; ok {
		return name
	}
	return flagName
}

var flagAliases = map[string]string{
	"master-ip":                     "masterIP",
	"master-port":                   "masterPort",
	"server-ip":                     "serverIP",
	"server-port":                   "serverPort",
	"data-dir":                      "dataDir",
	"block-size":                    "blockSize",
	"max-connections":               "maxConnections",
	"buffer-size":                   "BUFFER_SIZE",
	"n-thread":                      "nThread",
	"heartbeat-interval":            "HEART_BEAT_INTERVAL",
	"block-report-interval":         "BLOCK_REPORT_INTERVAL",
	"blk-task-startup-interval":     "BLK_TASK_STARTUP_INTERVAL",
	"status-check-interval":         "STATUS_CHECK_INTERVAL",
	"name-sys-file":                 "nameSysFile",
	"edit-log-file":                 "editLogFile",
	"replication-factor":            "replicationFactor",
	"edit-log-checkpoint-threshold": "editLogCheckpointThreshold",
	"placement-seed":                "placementSeed",
}

// Load unmarshals v's current state (flags, env, config file, in that
// binding's precedence) into a Config seeded with Defaults.
func Load(v *viper.Viper) (Config, error) {
	cfg := Defaults()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
