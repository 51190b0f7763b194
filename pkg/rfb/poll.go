package rfb

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/LibVNC/libvncserver-sub002/internal/rfblog"
	"github.com/LibVNC/libvncserver-sub002/internal/rfbpoll"
)

// pollTick is how often Serve's cooperative loop re-checks the timer
// service for due deferred updates and flow-control re-checks.
const pollTick = 2 * time.Millisecond

type acceptResult struct {
	nc  net.Conn
	err error
}

type handshakeResult struct {
	c   *Client
	nc  net.Conn
	err error
}

// Serve runs the single-threaded cooperative deployment shape: the
// goroutine calling Serve is the only one that ever decides anything
// (which client's message to process, when a deferred update or
// congestion re-check is due, when a client has exited). Accept and
// each client's next-byte wait are necessarily blocking syscalls with
// no portable multiplexed form in net.Conn, so each gets its own small
// pump goroutine (internal/rfbpoll), mirroring the teacher's
// single-goroutine serve() fed by a select-style poller. Serve blocks
// until ln is closed.
func (s *Server) Serve(ln net.Listener) error {
	stop := make(chan struct{})
	defer close(stop)

	acceptedCh := make(chan acceptResult)
	go func() {
		for {
			nc, err := ln.Accept()
			select {
			case acceptedCh <- acceptResult{nc, err}:
			case <-stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	handshakeCh := make(chan handshakeResult)

	var idsMu sync.Mutex
	ids := make(map[uint64]*Client)

	poller := rfbpoll.New()

	ticker := time.NewTicker(pollTick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return nil

		case a := <-acceptedCh:
			if a.err != nil {
				return a.err
			}
			go func(nc net.Conn) {
				c, err := s.Accept(context.Background(), nc)
				select {
				case handshakeCh <- handshakeResult{c, nc, err}:
				case <-stop:
				}
			}(a.nc)

		case hr := <-handshakeCh:
			if hr.err != nil {
				s.cfg.Log.Warn("handshake failed", rfblog.Fields{
					"remote": hr.nc.RemoteAddr().String(),
					"err":    errString(hr.err),
				})
				continue
			}
			id := poller.Add(context.Background(), hr.c)
			idsMu.Lock()
			ids[id] = hr.c
			idsMu.Unlock()

		case ex := <-poller.Exits():
			idsMu.Lock()
			c := ids[ex.ID]
			delete(ids, ex.ID)
			idsMu.Unlock()
			if c != nil {
				s.cfg.Log.Warn("client dispatch ended", rfblog.Fields{
					"client": c.ID().String(),
					"err":    errString(ex.Err),
				})
				_ = c.Close()
			}

		case now := <-ticker.C:
			s.timers.RunDue(now)
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
