package server

import (
	"fmt"

	"github.com/frugisect/frugisect/pkg/frugisect"
)

type ServerType int

const (
	HTTP ServerType = iota
)

type Server interface {
	Init(int, *frugisect.Driver) error
}

func NewServer(serverType ServerType, port int, driver *frugisect.Driver) (Server, error) {
	switch serverType {
	case HTTP:
		server := &httpServer{}
		return server, server.Init(port, driver)
	}
	return nil, fmt.Errorf("%d is not a valid server type", serverType)
}
