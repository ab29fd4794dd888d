package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/phoenixkv/phoenix/lib/db"
	"github.com/phoenixkv/phoenix/lib/wire"
	"github.com/phoenixkv/phoenix/rpc/common"
	"github.com/phoenixkv/phoenix/rpc/transport"
	"github.com/phoenixkv/phoenix/rpc/transport/tcp"
	"github.com/phoenixkv/phoenix/rpc/transport/unix"
)

// --------------------------------------------------------------------------
// Test helpers
// --------------------------------------------------------------------------

func testConfig() common.ServerConfig {
	config := common.DefaultServerConfig()
	config.Transport.Endpoint = "127.0.0.1:0"
	config.Transport.MaxWorkers = 8
	config.Transport.QueueDepth = 8
	config.Transport.AdmissionTimeout = time.Second
	config.Shards = 4
	config.LogLevel = "error"
	return config
}

func startServer(t *testing.T, config common.ServerConfig, tr transport.IServerTransport) *Server {
	t.Helper()

	srv := NewServer(config, tr)
	if err := srv.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = srv.Shutdown() })
	return srv
}

func startTCPServer(t *testing.T, mutate func(*common.ServerConfig)) *Server {
	t.Helper()
	config := testConfig()
	if mutate != nil {
		mutate(&config)
	}
	return startServer(t, config, tcp.NewTCPServerTransport())
}

type testClient struct {
	conn   net.Conn
	frames *wire.Reader
}

func dial(t *testing.T, srv *Server) *testClient {
	t.Helper()

	addr := srv.Addr()
	conn, err := net.DialTimeout(addr.Network(), addr.String(), time.Second)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{conn: conn, frames: wire.NewReader(conn, 0)}
}

func (c *testClient) read(t *testing.T) common.Response {
	t.Helper()

	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	f, err := c.frames.ReadFrame()
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	resp, err := common.ParseResponse(f)
	if err != nil {
		t.Fatalf("Invalid response frame: %v", err)
	}
	return resp
}

func (c *testClient) do(t *testing.T, cmd common.Command) common.Response {
	t.Helper()

	f, err := cmd.Frame()
	if err != nil {
		t.Fatalf("Failed to encode %s: %v", cmd.Kind, err)
	}
	if err := wire.WriteFrame(c.conn, f); err != nil {
		t.Fatalf("Failed to send %s: %v", cmd.Kind, err)
	}
	return c.read(t)
}

// expectClosed asserts that the server closes the connection without sending anything
func (c *testClient) expectClosed(t *testing.T) {
	t.Helper()

	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	if n, err := c.conn.Read(buf); n != 0 || err == nil {
		t.Fatalf("Expected closed connection, read %d bytes (err=%v)", n, err)
	}
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestScenarios(t *testing.T) {
	srv := startTCPServer(t, nil)

	t.Run("CreateInsertLookup", func(t *testing.T) {
		c := dial(t, srv)

		mustStatus(t, c.do(t, common.NewCreateCommand("orders", false)), common.StatusOK)
		mustStatus(t, c.do(t, common.NewInsertCommand("o1", []byte("widget"), 0)), common.StatusOK)

		resp := c.do(t, common.NewLookupCommand("o1"))
		if resp.Type != wire.TypeRespData || string(resp.Payload) != "widget" {
			t.Fatalf("Expected 'widget', got %s", resp)
		}
	})

	t.Run("TTLExpiry", func(t *testing.T) {
		c := dial(t, srv)

		mustStatus(t, c.do(t, common.NewInsertCommand("k", []byte("v"), 50*time.Millisecond)), common.StatusOK)
		mustStatus(t, c.do(t, common.NewLookupCommand("k")), common.StatusOK)

		time.Sleep(150 * time.Millisecond)
		mustStatus(t, c.do(t, common.NewLookupCommand("k")), common.StatusNotFound)
	})

	t.Run("InsertManyLookupAll", func(t *testing.T) {
		c := dial(t, srv)
		mustStatus(t, c.do(t, common.NewCreateCommand("pairs", false)), common.StatusOK)

		resp := c.do(t, common.NewInsertManyCommand([]db.Pair{
			{Key: "a", Value: []byte("1")},
			{Key: "b", Value: []byte("2")},
		}, 0))
		if n, err := resp.Uint64(); err != nil || n != 2 {
			t.Fatalf("Expected count 2, got %s", resp)
		}

		pairs, err := c.do(t, common.Command{Kind: common.CmdLookupAll}).Pairs()
		if err != nil {
			t.Fatalf("Failed to decode pairs: %v", err)
		}
		if len(pairs) != 2 ||
			pairs[0].Key != "a" || string(pairs[0].Value) != "1" ||
			pairs[1].Key != "b" || string(pairs[1].Value) != "2" {
			t.Errorf("Expected [a:1 b:2], got %+v", pairs)
		}
	})

	t.Run("DestroyFromOtherConnection", func(t *testing.T) {
		c := dial(t, srv)
		mustStatus(t, c.do(t, common.NewCreateCommand("orders", true)), common.StatusOK)

		admin := dial(t, srv)
		mustStatus(t, admin.do(t, common.NewDestroyCommand("orders")), common.StatusOK)

		mustStatus(t, c.do(t, common.NewLookupCommand("o1")), common.StatusDatabaseNotFound)
	})

	t.Run("PartialFrameGetsNoResponse", func(t *testing.T) {
		c := dial(t, srv)

		// LOOKUP declaring a 10 byte key, only 4 bytes follow
		hdr := make([]byte, wire.HeaderSize)
		hdr[0] = byte(wire.TypeLookup)
		binary.BigEndian.PutUint16(hdr[2:4], 10)
		if _, err := c.conn.Write(append(hdr, "abcd"...)); err != nil {
			t.Fatalf("Failed to write: %v", err)
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		buf := make([]byte, 1)
		_, err := c.conn.Read(buf)
		var netErr net.Error
		if !errors.As(err, &netErr) || !netErr.Timeout() {
			t.Fatalf("Expected no response while the frame is incomplete, got %v", err)
		}

		// the rest of the key completes the frame
		if _, err := c.conn.Write([]byte("efghij")); err != nil {
			t.Fatalf("Failed to write: %v", err)
		}
		mustStatus(t, c.read(t), common.StatusNotFound)
	})
}

func TestConnectionLifecycle(t *testing.T) {
	t.Run("ExitClosesAfterResponse", func(t *testing.T) {
		srv := startTCPServer(t, nil)
		c := dial(t, srv)

		resp := c.do(t, common.Command{Kind: common.CmdExit})
		if resp.Type != wire.TypeRespOK {
			t.Fatalf("Expected RESP_OK, got %s", resp)
		}
		c.expectClosed(t)
	})

	t.Run("ProtocolErrorClosesConnection", func(t *testing.T) {
		srv := startTCPServer(t, nil)
		c := dial(t, srv)

		// type 77 is not defined
		hdr := make([]byte, wire.HeaderSize)
		hdr[0] = 77
		if _, err := c.conn.Write(hdr); err != nil {
			t.Fatalf("Failed to write: %v", err)
		}

		mustStatus(t, c.read(t), common.StatusProtocolError)
		c.expectClosed(t)

		// the server keeps serving other connections
		other := dial(t, srv)
		mustStatus(t, other.do(t, common.Command{Kind: common.CmdHelp}), common.StatusOK)
	})

	t.Run("OversizedFrame", func(t *testing.T) {
		srv := startTCPServer(t, func(config *common.ServerConfig) {
			config.Transport.MaxFrameSize = 1024
		})
		c := dial(t, srv)

		hdr := make([]byte, wire.HeaderSize)
		hdr[0] = byte(wire.TypeInsert)
		binary.BigEndian.PutUint16(hdr[2:4], 1)
		binary.BigEndian.PutUint32(hdr[4:8], 1<<20)
		if _, err := c.conn.Write(hdr); err != nil {
			t.Fatalf("Failed to write: %v", err)
		}

		mustStatus(t, c.read(t), common.StatusProtocolError)
		c.expectClosed(t)
	})

	t.Run("IdleTimeout", func(t *testing.T) {
		srv := startTCPServer(t, func(config *common.ServerConfig) {
			config.Transport.IdleTimeout = 100 * time.Millisecond
		})
		c := dial(t, srv)

		mustStatus(t, c.do(t, common.Command{Kind: common.CmdHelp}), common.StatusOK)
		c.expectClosed(t)
	})

	t.Run("PipelinedRequestsKeepOrder", func(t *testing.T) {
		srv := startTCPServer(t, nil)
		c := dial(t, srv)

		var batch []byte
		for _, cmd := range []common.Command{
			common.NewInsertCommand("p", []byte("1"), 0),
			common.NewLookupCommand("p"),
			common.NewDeleteCommand("p"),
			common.NewLookupCommand("p"),
		} {
			f, _ := cmd.Frame()
			batch, _ = wire.AppendFrame(batch, f)
		}
		if _, err := c.conn.Write(batch); err != nil {
			t.Fatalf("Failed to write: %v", err)
		}

		mustStatus(t, c.read(t), common.StatusOK)
		if resp := c.read(t); string(resp.Payload) != "1" {
			t.Errorf("Expected '1', got %s", resp)
		}
		mustStatus(t, c.read(t), common.StatusOK)
		mustStatus(t, c.read(t), common.StatusNotFound)
	})
}

func TestAdmission(t *testing.T) {
	t.Run("QueueFullIsBusy", func(t *testing.T) {
		srv := startTCPServer(t, func(config *common.ServerConfig) {
			config.Transport.MaxWorkers = 1
			config.Transport.QueueDepth = 0
		})

		first := dial(t, srv)
		mustStatus(t, first.do(t, common.Command{Kind: common.CmdHelp}), common.StatusOK)

		second := dial(t, srv)
		mustStatus(t, second.read(t), common.StatusBusy)
		second.expectClosed(t)

		// the first connection is not affected
		mustStatus(t, first.do(t, common.NewInsertCommand("k", nil, 0)), common.StatusOK)
	})

	t.Run("AdmissionTimeoutIsBusy", func(t *testing.T) {
		srv := startTCPServer(t, func(config *common.ServerConfig) {
			config.Transport.MaxWorkers = 1
			config.Transport.QueueDepth = 1
			config.Transport.AdmissionTimeout = 100 * time.Millisecond
		})

		first := dial(t, srv)
		mustStatus(t, first.do(t, common.Command{Kind: common.CmdHelp}), common.StatusOK)

		queued := dial(t, srv)
		mustStatus(t, queued.read(t), common.StatusBusy)
	})

	t.Run("QueuedConnectionIsServedWhenWorkerFrees", func(t *testing.T) {
		srv := startTCPServer(t, func(config *common.ServerConfig) {
			config.Transport.MaxWorkers = 1
			config.Transport.QueueDepth = 1
			config.Transport.AdmissionTimeout = 5 * time.Second
		})

		first := dial(t, srv)
		mustStatus(t, first.do(t, common.Command{Kind: common.CmdHelp}), common.StatusOK)

		queued := dial(t, srv)
		f, _ := common.NewInsertCommand("q", []byte("v"), 0).Frame()
		if err := wire.WriteFrame(queued.conn, f); err != nil {
			t.Fatalf("Failed to write: %v", err)
		}

		mustStatus(t, first.do(t, common.Command{Kind: common.CmdExit}), common.StatusOK)
		mustStatus(t, queued.read(t), common.StatusOK)
	})

	t.Run("RejectedPeersDoNotStallAccept", func(t *testing.T) {
		srv := startTCPServer(t, func(config *common.ServerConfig) {
			config.Transport.MaxWorkers = 1
			config.Transport.QueueDepth = 0
		})

		first := dial(t, srv)
		mustStatus(t, first.do(t, common.Command{Kind: common.CmdHelp}), common.StatusOK)

		// none of them reads its BUSY frame
		for i := 0; i < 32; i++ {
			dial(t, srv)
		}

		start := time.Now()
		late := dial(t, srv)
		mustStatus(t, late.read(t), common.StatusBusy)
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("Rejection took %s, the accept loop is stalled", elapsed)
		}
		mustStatus(t, first.do(t, common.NewLookupCommand("missing")), common.StatusNotFound)
	})

	t.Run("ClientThatStopsReadingFreesWorker", func(t *testing.T) {
		srv := startTCPServer(t, func(config *common.ServerConfig) {
			config.Transport.MaxWorkers = 1
			config.Transport.QueueDepth = 1
			config.Transport.AdmissionTimeout = 3 * time.Second
			config.Transport.WriteTimeout = 200 * time.Millisecond
			config.Transport.WriteBufferSize = 16 * 1024
		})

		stalled := dial(t, srv)
		if err := stalled.conn.(*net.TCPConn).SetReadBuffer(16 * 1024); err != nil {
			t.Fatalf("Failed to shrink the read buffer: %v", err)
		}
		big := bytes.Repeat([]byte("x"), 8*1024*1024)
		mustStatus(t, stalled.do(t, common.NewInsertCommand("big", big, 0)), common.StatusOK)

		// ask for the big value and never read it
		f, _ := common.NewLookupCommand("big").Frame()
		if err := wire.WriteFrame(stalled.conn, f); err != nil {
			t.Fatalf("Failed to write: %v", err)
		}

		queued := dial(t, srv)
		mustStatus(t, queued.do(t, common.NewInsertCommand("q", []byte("v"), 0)), common.StatusOK)
	})
}

func TestConcurrentClients(t *testing.T) {
	srv := startTCPServer(t, nil)

	const clients = 8
	const opsPerClient = 100

	var wg sync.WaitGroup
	errs := make(chan error, clients)

	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			addr := srv.Addr()
			conn, err := net.Dial(addr.Network(), addr.String())
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			frames := wire.NewReader(conn, 0)

			for j := 0; j < opsPerClient; j++ {
				f, _ := common.NewInsertCommand("shared", []byte{byte(id), byte(j)}, 0).Frame()
				if err := wire.WriteFrame(conn, f); err != nil {
					errs <- err
					return
				}
				respFrame, err := frames.ReadFrame()
				if err != nil {
					errs <- err
					return
				}
				if resp, _ := common.ParseResponse(respFrame); resp.IsError() {
					errs <- errors.New(resp.String())
					return
				}
			}
		}(i)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Client failed: %v", err)
	}

	c := dial(t, srv)
	if resp := c.do(t, common.NewLookupCommand("shared")); len(resp.Payload) != 2 {
		t.Errorf("Expected a two byte value, got %s", resp)
	}
}

func TestUnixSocket(t *testing.T) {
	config := testConfig()
	config.Transport.Type = "unix"
	config.Transport.Endpoint = filepath.Join(t.TempDir(), "phoenix.sock")

	srv := startServer(t, config, unix.NewUnixServerTransport())
	c := dial(t, srv)

	mustStatus(t, c.do(t, common.NewInsertCommand("k", []byte("v"), 0)), common.StatusOK)
	if resp := c.do(t, common.NewLookupCommand("k")); string(resp.Payload) != "v" {
		t.Errorf("Expected 'v', got %s", resp)
	}
}

func TestShutdownPersistsDatabases(t *testing.T) {
	dataDir := t.TempDir()

	config := testConfig()
	config.DataDir = dataDir
	config.SnapshotInterval = time.Hour

	srv := NewServer(config, tcp.NewTCPServerTransport())
	if err := srv.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	c := dial(t, srv)
	mustStatus(t, c.do(t, common.NewCreateCommand("orders", false)), common.StatusOK)
	mustStatus(t, c.do(t, common.NewInsertCommand("o1", []byte("widget"), 0)), common.StatusOK)

	if err := srv.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "orders.snap")); err != nil {
		t.Fatalf("Expected snapshot file: %v", err)
	}

	// a new server restores the database
	restarted := startServer(t, config, tcp.NewTCPServerTransport())
	c = dial(t, restarted)
	mustStatus(t, c.do(t, common.NewCreateCommand("orders", true)), common.StatusOK)
	if resp := c.do(t, common.NewLookupCommand("o1")); string(resp.Payload) != "widget" {
		t.Errorf("Expected restored value, got %s", resp)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	config := testConfig()
	config.Transport.Type = "unix"
	config.Transport.Endpoint = filepath.Join(t.TempDir(), "serve.sock")
	srv := NewServer(config, unix.NewUnixServerTransport())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	// wait until the socket accepts connections
	deadline := time.Now().Add(5 * time.Second)
	for {
		conn, err := net.Dial("unix", config.Transport.Endpoint)
		if err == nil {
			_ = conn.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Server did not start listening: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reserved, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to reserve a port: %v", err)
	}
	endpoint := reserved.Addr().String()
	_ = reserved.Close()

	srv := startTCPServer(t, func(config *common.ServerConfig) {
		config.MetricsEndpoint = endpoint
	})
	c := dial(t, srv)
	mustStatus(t, c.do(t, common.NewInsertCommand("k", []byte("v"), 0)), common.StatusOK)

	resp, err := http.Get("http://" + endpoint + "/metrics")
	if err != nil {
		t.Fatalf("Failed to scrape metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`phoenix_commands_total{command="insert",status="OK"}`,
		"phoenix_databases 1",
		"phoenix_entries 1",
		"phoenix_connections_accepted_total",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("Expected %q in metrics output", want)
		}
	}

	t.Run("DatabaseSize", func(t *testing.T) {
		size := -1.0
		for _, line := range strings.Split(string(body), "\n") {
			if v, ok := strings.CutPrefix(line, "phoenix_database_size_bytes "); ok {
				size, _ = strconv.ParseFloat(v, 64)
			}
		}
		if size <= 0 {
			t.Errorf("Expected a positive phoenix_database_size_bytes, got %v", size)
		}
	})
}
