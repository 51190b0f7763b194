package transport

import (
	"context"
	"net"
	"os"
)

// ListenUnix opens a UNIX domain socket listener at path, removing any
// stale socket file left behind by a previous, uncleanly terminated
// server instance. No pack dependency wraps UNIX sockets; stdlib net
// is the correct, minimal tool here.
func ListenUnix(ctx context.Context, path string) (net.Listener, error) {
	if _, err := os.Stat(path); err == nil {
		_ = os.Remove(path)
	}
	var lc net.ListenConfig
	return lc.Listen(ctx, "unix", path)
}
