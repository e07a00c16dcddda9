//go:build linux

package main

import (
	"github.com/etherlink/elcore/internal/detect"
	"github.com/etherlink/elcore/internal/pcibus"
)

func platformBus() pcibus.Bus {
	return pcibus.NewSysfsBus()
}

func platformPorts() (detect.PortReader, func() error, error) {
	p, err := detect.OpenDevPort()
	if err != nil {
		return nil, nil, err
	}
	return p, p.Close, nil
}
