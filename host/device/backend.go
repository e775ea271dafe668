package device

import (
	"fmt"
	"io"

	"tinygo.org/x/drivers"

	"chiplink/config"
	"chiplink/hal"
	"chiplink/hal/bridge"
	"chiplink/host/serial"
	"chiplink/logging"
	"chiplink/protocol"
)

// backend provides the bus and lines for one kind of connection.
type backend interface {
	Bus() drivers.SPI
	Input(pin int) (hal.InputPin, error)
	Output(pin int) (hal.OutputPin, error)
	Close() error
}

type bridgeBackend struct {
	b *bridge.Bridge
}

func openBridge(cfg *config.Config, port io.ReadWriteCloser) (backend, error) {
	if port == nil {
		path, err := serial.Resolve(cfg.Bus.Path)
		if err != nil {
			return nil, fmt.Errorf("device: %w", err)
		}
		sc := serial.DefaultConfig(path)
		sc.Baud = cfg.Bus.Baud
		p, err := serial.Open(sc)
		if err != nil {
			return nil, fmt.Errorf("device: %w", err)
		}
		port = p
	}
	link := protocol.NewLink(port, protocol.WithLinkLogger(logging.Logger(logging.ComponentBridge)))
	return &bridgeBackend{b: bridge.New(link)}, nil
}

func (bb *bridgeBackend) Bus() drivers.SPI { return bb.b }

func (bb *bridgeBackend) Input(pin int) (hal.InputPin, error) {
	return bb.b.Pin(uint32(pin)), nil
}

func (bb *bridgeBackend) Output(pin int) (hal.OutputPin, error) {
	p := bb.b.Pin(uint32(pin))
	return p, p.Set(false)
}

func (bb *bridgeBackend) Close() error { return bb.b.Close() }
