package common

import (
	"fmt"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Server configuration struct
// --------------------------------------------------------------------------

// TransportConfig holds the listener settings
type TransportConfig struct {
	// tcp or unix
	Type string
	// listen address (tcp) or socket path (unix)
	Endpoint string

	// frames larger than this are rejected as protocol errors
	MaxFrameSize int

	// worker pool and admission queue
	MaxWorkers       int
	QueueDepth       int
	AdmissionTimeout time.Duration

	// accepted connections per second, 0 = unlimited
	AcceptRate float64
	// read inactivity before a connection is closed, 0 = never
	IdleTimeout time.Duration
	// time allowed to write one response, 0 = unbounded
	WriteTimeout time.Duration

	// TCP socket options
	TCPNoDelay      bool
	TCPKeepAlive    time.Duration
	TCPLingerSecond int
	// socket buffer sizes (bytes), 0 = system default
	ReadBufferSize  int
	WriteBufferSize int
}

// ServerConfig holds all configuration parameters of a server
type ServerConfig struct {
	Transport TransportConfig

	// engine parameters (per database)
	Shards     int
	MaxEntries int

	// background tasks
	SweepInterval    time.Duration
	DataDir          string
	SnapshotInterval time.Duration

	// HTTP address for /metrics, empty = disabled
	MetricsEndpoint string

	// Logging configuration
	LogLevel string
	LogFile  string // empty = stdout
}

// DefaultServerConfig returns the configuration used when no flag is set
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Transport: TransportConfig{
			Type:             "tcp",
			Endpoint:         "127.0.0.1:6969",
			MaxFrameSize:     16 * 1024 * 1024,
			MaxWorkers:       256,
			QueueDepth:       64,
			AdmissionTimeout: 5 * time.Second,
			WriteTimeout:     10 * time.Second,
			TCPNoDelay:       true,
			TCPKeepAlive:     30 * time.Second,
		},
		SweepInterval:    time.Second,
		SnapshotInterval: time.Minute,
		LogLevel:         "info",
	}
}

// Validate checks the configuration for values the server can not run with
func (c *ServerConfig) Validate() error {
	switch c.Transport.Type {
	case "tcp", "unix":
	default:
		return fmt.Errorf("invalid transport %q, must be tcp or unix", c.Transport.Type)
	}
	if c.Transport.Endpoint == "" {
		return fmt.Errorf("endpoint must not be empty")
	}
	if c.Transport.MaxWorkers <= 0 {
		return fmt.Errorf("max-workers must be > 0, got %d", c.Transport.MaxWorkers)
	}
	if c.Transport.QueueDepth < 0 {
		return fmt.Errorf("queue-depth must be >= 0, got %d", c.Transport.QueueDepth)
	}
	if c.Transport.MaxFrameSize <= 0 {
		return fmt.Errorf("max-frame-size must be > 0, got %d", c.Transport.MaxFrameSize)
	}
	if c.Transport.WriteTimeout < 0 {
		return fmt.Errorf("write-timeout must be >= 0")
	}
	if c.Transport.AcceptRate < 0 {
		return fmt.Errorf("accept-rate must be >= 0")
	}
	if c.Shards < 0 || c.MaxEntries < 0 {
		return fmt.Errorf("shards and max-entries must be >= 0")
	}
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	orNone := func(v string) string {
		if v == "" {
			return "(disabled)"
		}
		return v
	}

	orUnlimited := func(v int) string {
		if v == 0 {
			return "unlimited"
		}
		return fmt.Sprintf("%d", v)
	}

	// Transport settings
	addSection("Transport")
	addField("Type", c.Transport.Type)
	addField("Endpoint", c.Transport.Endpoint)
	addField("Max Frame Size", fmt.Sprintf("%d bytes", c.Transport.MaxFrameSize))
	addField("Max Workers", fmt.Sprintf("%d", c.Transport.MaxWorkers))
	addField("Queue Depth", fmt.Sprintf("%d", c.Transport.QueueDepth))
	addField("Admission Timeout", c.Transport.AdmissionTimeout.String())
	if c.Transport.AcceptRate > 0 {
		addField("Accept Rate", fmt.Sprintf("%.1f/s", c.Transport.AcceptRate))
	} else {
		addField("Accept Rate", "unlimited")
	}
	if c.Transport.IdleTimeout > 0 {
		addField("Idle Timeout", c.Transport.IdleTimeout.String())
	} else {
		addField("Idle Timeout", "never")
	}
	if c.Transport.WriteTimeout > 0 {
		addField("Write Timeout", c.Transport.WriteTimeout.String())
	} else {
		addField("Write Timeout", "never")
	}

	// Storage
	addSection("Storage")
	if c.Shards > 0 {
		addField("Shards", fmt.Sprintf("%d", c.Shards))
	} else {
		addField("Shards", "NumCPU")
	}
	addField("Max Entries", orUnlimited(c.MaxEntries))
	addField("Sweep Interval", c.SweepInterval.String())
	addField("Data Directory", orNone(c.DataDir))
	if c.DataDir != "" {
		addField("Snapshot Interval", c.SnapshotInterval.String())
	}

	// Observability
	addSection("Observability")
	addField("Metrics Endpoint", orNone(c.MetricsEndpoint))
	addField("Log Level", c.LogLevel)
	if c.LogFile != "" {
		addField("Log File", c.LogFile)
	} else {
		addField("Log File", "stdout")
	}

	return sb.String()
}
