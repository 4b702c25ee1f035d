//go:build !windows

package listener

import (
	"net"
	"os"
	"path/filepath"
)

func endpointAddr(name string) string {
	return filepath.Join(os.TempDir(), name+".sock")
}

func listenEndpoint(name string) (net.Listener, error) {
	path := endpointAddr(name)
	// A stale socket file from a crashed process blocks the bind.
	_ = os.Remove(path)
	return net.Listen("unix", path)
}
