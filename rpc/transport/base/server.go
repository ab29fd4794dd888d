package base

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	pool "github.com/jolestar/go-commons-pool/v2"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/oklog/ulid/v2"
	"github.com/phoenixkv/phoenix/lib/wire"
	"github.com/phoenixkv/phoenix/rpc/common"
	"github.com/phoenixkv/phoenix/rpc/transport"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"
)

var Logger = logger.GetLogger("transport")

var (
	connectionsAccepted = metrics.GetOrCreateCounter("phoenix_connections_accepted_total")
	connectionsRejected = metrics.GetOrCreateCounter("phoenix_connections_rejected_total")
	connectionsActive   = metrics.GetOrCreateCounter("phoenix_connections_active")
	protocolErrors      = metrics.GetOrCreateCounter("phoenix_protocol_errors_total")
	writeTimeouts       = metrics.GetOrCreateCounter("phoenix_write_timeouts_total")
	admissionWait       = metrics.GetOrCreateHistogram("phoenix_admission_wait_seconds")
)

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IServerConnector defines the interface for transport-specific server operations
type IServerConnector interface {
	// Listen creates a listener and returns it
	Listen(config common.ServerConfig) (net.Listener, error)

	// UpgradeConnection applies transport specific socket options to an accepted connection
	UpgradeConnection(conn net.Conn, config common.ServerConfig) error

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// serverTransport implements the accept loop and the connection lifecycle.
//
// Every served connection holds one worker borrowed from a bounded object
// pool. At most MaxWorkers+QueueDepth connections are admitted at a time, so at
// most QueueDepth connections wait for a worker, each for at most
// AdmissionTimeout. Connections beyond that are answered with RESP_ERR BUSY and
// closed right away.
type serverTransport struct {
	connector IServerConnector
	handler   transport.ISessionHandler
	config    common.ServerConfig

	listener net.Listener
	workers  *pool.ObjectPool
	slots    chan struct{} // admission capacity, one token per admitted connection
	limiter  *rate.Limiter // nil = unlimited

	conns *xsync.MapOf[string, net.Conn]
	wg    sync.WaitGroup
	mu    sync.Mutex // orders wg.Add in Serve against the shutdown in Close

	ctx     context.Context
	cancel  context.CancelFunc
	closing atomic.Bool
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseServerTransport creates a new base server transport for the given connector
func NewBaseServerTransport(connector IServerConnector) transport.IServerTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &serverTransport{
		connector: connector,
		conns:     xsync.NewMapOf[string, net.Conn](),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IServerTransport)
// --------------------------------------------------------------------------

func (t *serverTransport) RegisterHandler(handler transport.ISessionHandler) {
	t.handler = handler
}

func (t *serverTransport) Listen(config common.ServerConfig) error {
	t.config = config

	listener, err := t.connector.Listen(config)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	t.listener = listener

	maxWorkers := config.Transport.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	queueDepth := config.Transport.QueueDepth
	if queueDepth < 0 {
		queueDepth = 0
	}

	poolConfig := pool.NewDefaultPoolConfig()
	poolConfig.MaxTotal = maxWorkers
	poolConfig.MaxIdle = maxWorkers
	poolConfig.BlockWhenExhausted = true
	t.workers = pool.NewObjectPool(t.ctx, newWorkerFactory(config.Transport.MaxFrameSize), poolConfig)
	t.slots = make(chan struct{}, maxWorkers+queueDepth)

	if config.Transport.AcceptRate > 0 {
		burst := int(config.Transport.AcceptRate)
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(config.Transport.AcceptRate), burst)
	}

	Logger.Infof("Listening for %s connections on %s (%d workers, queue depth %d)",
		t.connector.GetName(), listener.Addr(), maxWorkers, queueDepth)
	return nil
}

func (t *serverTransport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *serverTransport) Serve() error {
	if t.listener == nil {
		return errors.New("transport: Serve called before Listen")
	}
	if t.handler == nil {
		return errors.New("transport: no session handler registered")
	}

	for {
		if t.limiter != nil {
			if err := t.limiter.Wait(t.ctx); err != nil {
				return nil // closed
			}
		}

		conn, err := t.listener.Accept()
		if err != nil {
			if t.closing.Load() {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				Logger.Warningf("Accept error: %v", err)
				continue
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		connectionsAccepted.Inc()
		if err := t.connector.UpgradeConnection(conn, t.config); err != nil {
			Logger.Warningf("Failed to apply socket options: %v", err)
		}

		// admission: a free slot or an immediate BUSY.
		// The BUSY write must not block the accept loop.
		select {
		case t.slots <- struct{}{}:
		default:
			if !t.track() {
				_ = conn.Close()
				return nil
			}
			go func() {
				defer t.wg.Done()
				t.reject(conn, "admission queue is full")
			}()
			continue
		}

		if !t.track() {
			<-t.slots
			_ = conn.Close()
			return nil
		}
		go t.handleConnection(conn)
	}
}

func (t *serverTransport) Close() error {
	t.mu.Lock()
	if !t.closing.CompareAndSwap(false, true) {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	t.cancel()

	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}

	// unblock every reader, the serve loops exit on the read error
	t.conns.Range(func(_ string, conn net.Conn) bool {
		_ = conn.Close()
		return true
	})

	t.wg.Wait()
	if t.workers != nil {
		t.workers.Close(context.Background())
	}

	Logger.Infof("Stopped %s transport", t.connector.GetName())
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// track registers one connection goroutine with wg. It returns false once
// Close has started, the caller then owns conn and must close it.
func (t *serverTransport) track() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closing.Load() {
		return false
	}
	t.wg.Add(1)
	return true
}

// setWriteDeadline bounds the next response write by the configured write timeout
func (t *serverTransport) setWriteDeadline(conn net.Conn) error {
	timeout := t.config.Transport.WriteTimeout
	if timeout <= 0 {
		return nil
	}
	return conn.SetWriteDeadline(time.Now().Add(timeout))
}

// reject answers a connection that can not be served with RESP_ERR BUSY and closes it
func (t *serverTransport) reject(conn net.Conn, reason string) {
	connectionsRejected.Inc()
	Logger.Warningf("Rejected connection from %s: %s", conn.RemoteAddr(), reason)

	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	resp := common.NewErrorResponse(common.StatusBusy, common.ErrBusy.Error()+": "+reason)
	_ = wire.WriteFrame(conn, resp.Frame())
	_ = conn.Close()
}

// borrowWorker waits up to the admission timeout for a free worker
func (t *serverTransport) borrowWorker() (*worker, error) {
	ctx := t.ctx
	if timeout := t.config.Transport.AdmissionTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	obj, err := t.workers.BorrowObject(ctx)
	if err != nil {
		return nil, err
	}
	return obj.(*worker), nil
}

// handleConnection serves one admitted connection
func (t *serverTransport) handleConnection(conn net.Conn) {
	defer t.wg.Done()
	defer func() { <-t.slots }()

	start := time.Now()
	w, err := t.borrowWorker()
	admissionWait.UpdateDuration(start)
	if err != nil {
		if t.closing.Load() {
			_ = conn.Close()
			return
		}
		t.reject(conn, fmt.Sprintf("no worker available within %s", t.config.Transport.AdmissionTimeout))
		return
	}
	defer func() {
		if err := t.workers.ReturnObject(context.Background(), w); err != nil {
			Logger.Warningf("Failed to return worker %d: %v", w.id, err)
		}
	}()

	id := ulid.Make().String()
	t.conns.Store(id, conn)
	connectionsActive.Inc()
	defer func() {
		t.conns.Delete(id)
		connectionsActive.Dec()
		_ = conn.Close()
	}()

	// Close may have run between admission and registration
	if t.closing.Load() {
		return
	}

	t.serve(id, conn, w)
}

// serve runs the request loop of one connection: read one frame, handle it,
// write exactly one response, in arrival order.
func (t *serverTransport) serve(id string, conn net.Conn, w *worker) {
	log := common.ConnLogger(Logger, id)
	log.Debugf("Connection from %s served by worker %d", conn.RemoteAddr(), w.id)

	session := t.handler.NewSession(id)
	defer session.Close()

	w.attach(conn)
	defer w.detach()

	idle := t.config.Transport.IdleTimeout

	for {
		if idle > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
				log.Errorf("Failed to set read deadline: %v", err)
				return
			}
		}

		req, err := w.frames.ReadFrame()
		if err != nil {
			t.logReadError(log, err)
			if errors.Is(err, wire.ErrProtocol) {
				// best effort, the stream is no longer aligned
				protocolErrors.Inc()
				_ = t.setWriteDeadline(conn)
				_ = wire.WriteFrame(w.out, common.NewErrorResponseFrom(err).Frame())
				_ = w.out.Flush()
			}
			return
		}

		resp, closeAfter := session.Handle(req)

		if err := t.setWriteDeadline(conn); err != nil {
			log.Errorf("Failed to set write deadline: %v", err)
			return
		}
		if err := wire.WriteFrame(w.out, resp); err != nil {
			t.logWriteError(log, err)
			return
		}
		if err := w.out.Flush(); err != nil {
			t.logWriteError(log, err)
			return
		}

		if closeAfter {
			log.Debugf("Connection closed after %s", req.Type)
			return
		}
	}
}

func (t *serverTransport) logReadError(log logger.ILogger, err error) {
	var netErr net.Error
	switch {
	case err == io.EOF:
		log.Debugf("Connection closed by client")
	case t.closing.Load():
		log.Debugf("Connection closed by server shutdown")
	case errors.Is(err, wire.ErrProtocol):
		log.Warningf("Closing connection: %v", err)
	case errors.As(err, &netErr) && netErr.Timeout():
		log.Infof("Closing idle connection")
	case errors.Is(err, io.ErrUnexpectedEOF):
		log.Infof("Connection closed inside a frame")
	default:
		log.Errorf("Error reading request: %v", err)
	}
}

func (t *serverTransport) logWriteError(log logger.ILogger, err error) {
	var netErr net.Error
	switch {
	case t.closing.Load():
		log.Debugf("Connection closed by server shutdown")
	case errors.As(err, &netErr) && netErr.Timeout():
		writeTimeouts.Inc()
		log.Warningf("Closing connection, client did not read the response within %s", t.config.Transport.WriteTimeout)
	default:
		log.Errorf("Failed to write response: %v", err)
	}
}
