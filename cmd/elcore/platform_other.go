//go:build !linux

package main

import (
	"errors"

	"github.com/etherlink/elcore/internal/detect"
	"github.com/etherlink/elcore/internal/pcibus"
)

func platformBus() pcibus.Bus {
	return nil
}

func platformPorts() (detect.PortReader, func() error, error) {
	return nil, nil, errors.New("port access not supported on this platform")
}
