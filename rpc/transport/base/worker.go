package base

import (
	"bufio"
	"context"
	"net"
	"sync/atomic"

	pool "github.com/jolestar/go-commons-pool/v2"
	"github.com/phoenixkv/phoenix/lib/wire"
)

const (
	readBufferSize  = 64 * 1024 // 64 KB
	writeBufferSize = 64 * 1024 // 64 KB
)

// worker holds the reusable buffers a connection is served with.
// A worker serves at most one connection at a time.
type worker struct {
	id     int64
	in     *bufio.Reader
	out    *bufio.Writer
	frames *wire.Reader
}

// attach binds the buffers to conn
func (w *worker) attach(conn net.Conn) {
	w.in.Reset(conn)
	w.out.Reset(conn)
	w.frames.Reset(w.in)
}

// detach drops the reference to the connection so the worker can go back to the pool
func (w *worker) detach() {
	w.in.Reset(nil)
	w.out.Reset(nil)
	w.frames.Reset(nil)
}

// --------------------------------------------------------------------------
// Pool Factory (implements pool.PooledObjectFactory)
// --------------------------------------------------------------------------

type workerFactory struct {
	maxFrameSize int
	nextID       atomic.Int64
}

func newWorkerFactory(maxFrameSize int) *workerFactory {
	return &workerFactory{maxFrameSize: maxFrameSize}
}

func (f *workerFactory) MakeObject(ctx context.Context) (*pool.PooledObject, error) {
	in := bufio.NewReaderSize(nil, readBufferSize)
	w := &worker{
		id:     f.nextID.Add(1),
		in:     in,
		out:    bufio.NewWriterSize(nil, writeBufferSize),
		frames: wire.NewReader(in, f.maxFrameSize),
	}
	return pool.NewPooledObject(w), nil
}

func (f *workerFactory) DestroyObject(ctx context.Context, object *pool.PooledObject) error {
	return nil
}

func (f *workerFactory) ValidateObject(ctx context.Context, object *pool.PooledObject) bool {
	return true
}

func (f *workerFactory) ActivateObject(ctx context.Context, object *pool.PooledObject) error {
	return nil
}

func (f *workerFactory) PassivateObject(ctx context.Context, object *pool.PooledObject) error {
	object.Object.(*worker).detach()
	return nil
}
