package rfb

import (
	"context"
	"net"
)

// ServeThreaded accepts connections from ln forever, spawning one
// goroutine per client (the teacher's `go conn.serve()` pattern),
// until ln is closed. Handshake failures are logged and the
// connection dropped; they never stop the accept loop.
func (s *Server) ServeThreaded(ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			return err
		}
		go func() {
			ctx := context.Background()
			c, err := s.Accept(ctx, nc)
			if err != nil {
				s.cfg.Log.Warn("handshake failed", map[string]interface{}{"remote": nc.RemoteAddr().String(), "err": err.Error()})
				return
			}
			_ = c.Serve(ctx)
		}()
	}
}
