//go:build windows

package listener

import (
	"net"

	"github.com/Microsoft/go-winio"
)

func endpointAddr(name string) string {
	return `\\.\pipe\` + name
}

func listenEndpoint(name string) (net.Listener, error) {
	return winio.ListenPipe(endpointAddr(name), nil)
}
