package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	cmdUtil "github.com/phoenixkv/phoenix/cmd/util"
	"github.com/phoenixkv/phoenix/rpc/common"
	"github.com/phoenixkv/phoenix/rpc/server"
	"github.com/phoenixkv/phoenix/rpc/transport"
	"github.com/phoenixkv/phoenix/rpc/transport/tcp"
	"github.com/phoenixkv/phoenix/rpc/transport/unix"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = common.DefaultServerConfig()
	ServeCmd       = &cobra.Command{
		Use:   "serve",
		Short: "Start the phoenix server",
		Long: fmt.Sprintf(`Start the phoenix server with the specified configuration. The configuration can be set via command line flags, environment variables or a .env file. The format of the environment variables is PHOENIX_<flag> (e.g. %s=/var/lib/phoenix)`,
			cmdUtil.EnvName("data-dir")),
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitEnv)

	defaults := common.DefaultServerConfig()
	flags := ServeCmd.PersistentFlags()

	// transport
	key := "transport"
	flags.String(key, defaults.Transport.Type, cmdUtil.WrapString("The transport to listen on (tcp, unix)"))

	key = "endpoint"
	flags.String(key, defaults.Transport.Endpoint, cmdUtil.WrapString("The address on which the server will listen (e.g. 127.0.0.1:6969 for tcp, /tmp/phoenix.sock for unix)"))

	key = "max-frame-size"
	flags.Int(key, defaults.Transport.MaxFrameSize, cmdUtil.WrapString("The largest accepted frame in bytes (key and value). Larger frames are a protocol error and close the connection"))

	key = "max-workers"
	flags.Int(key, defaults.Transport.MaxWorkers, cmdUtil.WrapString("The number of connections served concurrently. Every served connection holds one worker"))

	key = "queue-depth"
	flags.Int(key, defaults.Transport.QueueDepth, cmdUtil.WrapString("The number of connections allowed to wait for a free worker. Connections beyond that are rejected with BUSY"))

	key = "admission-timeout"
	flags.Float64(key, defaults.Transport.AdmissionTimeout.Seconds(), cmdUtil.WrapString("Seconds a queued connection waits for a worker before it is rejected with BUSY"))

	key = "accept-rate"
	flags.Float64(key, defaults.Transport.AcceptRate, cmdUtil.WrapString("Accepted connections per second (0 = unlimited)"))

	key = "idle-timeout"
	flags.Float64(key, defaults.Transport.IdleTimeout.Seconds(), cmdUtil.WrapString("Seconds of read inactivity before a connection is closed (0 = never)"))

	key = "write-timeout"
	flags.Float64(key, defaults.Transport.WriteTimeout.Seconds(), cmdUtil.WrapString("Seconds allowed to write one response before the connection is closed (0 = never)"))

	key = "tcp-nodelay"
	flags.Bool(key, defaults.Transport.TCPNoDelay, cmdUtil.WrapString("Whether to enable TCP_NODELAY (only for tcp)"))

	key = "tcp-keepalive"
	flags.Float64(key, defaults.Transport.TCPKeepAlive.Seconds(), cmdUtil.WrapString("The keepalive interval in seconds (0 = disabled, only for tcp)"))

	key = "tcp-linger"
	flags.Int(key, defaults.Transport.TCPLingerSecond, cmdUtil.WrapString("The linger time in seconds (0 = system default, only for tcp)"))

	key = "read-buffer"
	flags.Int(key, 0, cmdUtil.WrapString("The socket read buffer size in KB (0 = system default)"))

	key = "write-buffer"
	flags.Int(key, 0, cmdUtil.WrapString("The socket write buffer size in KB (0 = system default)"))

	// storage
	key = "shards"
	flags.Int(key, defaults.Shards, cmdUtil.WrapString("The number of shards per database (0 = number of CPUs)"))

	key = "max-entries"
	flags.Int(key, defaults.MaxEntries, cmdUtil.WrapString("The maximum number of entries per database (0 = unlimited). Inserts of new keys beyond it fail with CAPACITY_EXCEEDED"))

	key = "sweep-interval"
	flags.Int64(key, defaults.SweepInterval.Milliseconds(), cmdUtil.WrapString("Milliseconds between two runs of the expiry sweeper (0 = disabled, expired entries are still never returned)"))

	// persistence
	key = "data-dir"
	flags.String(key, defaults.DataDir, cmdUtil.WrapString("The directory snapshots are written to and restored from (empty = in-memory only)"))

	key = "snapshot-interval"
	flags.Float64(key, defaults.SnapshotInterval.Seconds(), cmdUtil.WrapString("Seconds between two snapshots of all databases (0 = only on shutdown). Requires --data-dir"))

	// observability
	key = "metrics-endpoint"
	flags.String(key, defaults.MetricsEndpoint, cmdUtil.WrapString("The HTTP address serving /metrics in the Prometheus format (empty = disabled)"))

	key = "log-level"
	flags.String(key, defaults.LogLevel, cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))

	key = "log-file"
	flags.String(key, defaults.LogFile, cmdUtil.WrapString("The file logs are appended to (empty = stdout)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	// transport
	serveCmdConfig.Transport.Type = viper.GetString("transport")
	serveCmdConfig.Transport.Endpoint = viper.GetString("endpoint")
	serveCmdConfig.Transport.MaxFrameSize = viper.GetInt("max-frame-size")
	serveCmdConfig.Transport.MaxWorkers = viper.GetInt("max-workers")
	serveCmdConfig.Transport.QueueDepth = viper.GetInt("queue-depth")
	serveCmdConfig.Transport.AdmissionTimeout = cmdUtil.GetSeconds("admission-timeout")
	serveCmdConfig.Transport.AcceptRate = viper.GetFloat64("accept-rate")
	serveCmdConfig.Transport.IdleTimeout = cmdUtil.GetSeconds("idle-timeout")
	serveCmdConfig.Transport.WriteTimeout = cmdUtil.GetSeconds("write-timeout")
	serveCmdConfig.Transport.TCPNoDelay = viper.GetBool("tcp-nodelay")
	serveCmdConfig.Transport.TCPKeepAlive = cmdUtil.GetSeconds("tcp-keepalive")
	serveCmdConfig.Transport.TCPLingerSecond = viper.GetInt("tcp-linger")
	serveCmdConfig.Transport.ReadBufferSize = viper.GetInt("read-buffer") * 1024
	serveCmdConfig.Transport.WriteBufferSize = viper.GetInt("write-buffer") * 1024

	// storage
	serveCmdConfig.Shards = viper.GetInt("shards")
	serveCmdConfig.MaxEntries = viper.GetInt("max-entries")
	serveCmdConfig.SweepInterval = cmdUtil.GetMilliseconds("sweep-interval")

	// persistence
	serveCmdConfig.DataDir = viper.GetString("data-dir")
	serveCmdConfig.SnapshotInterval = cmdUtil.GetSeconds("snapshot-interval")

	// observability
	serveCmdConfig.MetricsEndpoint = viper.GetString("metrics-endpoint")
	serveCmdConfig.LogLevel = viper.GetString("log-level")
	serveCmdConfig.LogFile = viper.GetString("log-file")

	return serveCmdConfig.Validate()
}

// newTransport creates the server transport selected by the config
func newTransport(config common.ServerConfig) (transport.IServerTransport, error) {
	switch config.Transport.Type {
	case "tcp":
		return tcp.NewTCPServerTransport(), nil
	case "unix":
		return unix.NewUnixServerTransport(), nil
	default:
		return nil, fmt.Errorf("invalid transport %s", config.Transport.Type)
	}
}

// run starts the phoenix server and blocks until SIGINT or SIGTERM
func run(_ *cobra.Command, _ []string) error {
	if err := common.InitLoggers(serveCmdConfig); err != nil {
		return err
	}

	t, err := newTransport(serveCmdConfig)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return server.NewServer(serveCmdConfig, t).Serve(ctx)
}
