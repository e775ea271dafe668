//go:build linux

package device

import (
	"errors"
	"fmt"

	"tinygo.org/x/drivers"

	"chiplink/config"
	"chiplink/hal"
	"chiplink/hal/linux"
)

type spidevBackend struct {
	spi  *linux.SPI
	pins []*linux.Pin
}

func openSpidev(cfg *config.Config) (backend, error) {
	spi, err := linux.OpenSPI(cfg.Bus.Path, cfg.Bus.Mode, cfg.Bus.SpeedHz)
	if err != nil {
		return nil, fmt.Errorf("device: %w", err)
	}
	return &spidevBackend{spi: spi}, nil
}

func (sb *spidevBackend) Bus() drivers.SPI { return sb.spi }

func (sb *spidevBackend) Input(pin int) (hal.InputPin, error) {
	p, err := linux.OpenPin(pin, linux.In, linux.EdgeBoth, false)
	if err != nil {
		return nil, err
	}
	sb.pins = append(sb.pins, p)
	return p, nil
}

func (sb *spidevBackend) Output(pin int) (hal.OutputPin, error) {
	p, err := linux.OpenPin(pin, linux.Out, linux.EdgeNone, false)
	if err != nil {
		return nil, err
	}
	sb.pins = append(sb.pins, p)
	return p, nil
}

func (sb *spidevBackend) Close() error {
	errs := []error{sb.spi.Close()}
	for _, p := range sb.pins {
		errs = append(errs, p.Unexport())
	}
	return errors.Join(errs...)
}
