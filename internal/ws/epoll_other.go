//go:build !linux

package ws

import (
	"bytes"
	"io"
	"net"
	"sync"
)

// Epoll is the development fallback for platforms without epoll. A watcher
// goroutine per socket blocks on a one-byte read; the byte it consumed is
// handed back through Reader, and the watcher waits for Resume before reading
// again so it never races the frame reader.
type Epoll struct {
	mu      sync.Mutex
	watches map[net.Conn]*watch
	readyCh chan net.Conn
	done    chan struct{}
}

type watch struct {
	pending []byte
	resume  chan struct{}
}

// NewEpoll creates the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		watches: make(map[net.Conn]*watch),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts watching conn.
func (e *Epoll) Add(conn net.Conn) error {
	w := &watch{resume: make(chan struct{}, 1)}
	e.mu.Lock()
	e.watches[conn] = w
	e.mu.Unlock()

	go e.monitor(conn, w)
	return nil
}

func (e *Epoll) monitor(conn net.Conn, w *watch) {
	buf := make([]byte, 1)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			e.mu.Lock()
			w.pending = append(w.pending, buf[:n]...)
			e.mu.Unlock()
		}
		// On error the frame reader sees it too and removes the socket.
		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}
		select {
		case <-w.resume:
		case <-e.done:
			return
		}
	}
}

// Remove stops tracking conn. Its watcher exits once the socket is closed.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.watches, conn)
	e.mu.Unlock()
	return nil
}

// Wait blocks until at least one socket is ready and drains the rest.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Reader prepends whatever the watcher consumed to the socket stream.
func (e *Epoll) Reader(conn net.Conn) io.Reader {
	e.mu.Lock()
	w := e.watches[conn]
	var pending []byte
	if w != nil {
		pending, w.pending = w.pending, nil
	}
	e.mu.Unlock()

	if len(pending) == 0 {
		return conn
	}
	return io.MultiReader(bytes.NewReader(pending), conn)
}

// Resume lets the watcher of conn look for the next frame.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.Lock()
	w := e.watches[conn]
	e.mu.Unlock()
	if w == nil {
		return
	}
	select {
	case w.resume <- struct{}{}:
	default:
	}
}

// Close stops every watcher.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.watches = make(map[net.Conn]*watch)
	e.mu.Unlock()
	return nil
}

func socketFD(net.Conn) int {
	return -1
}
