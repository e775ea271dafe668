//go:build !linux

package device

import (
	"errors"

	"chiplink/config"
)

func openSpidev(*config.Config) (backend, error) {
	return nil, errors.New("device: spidev bus is only available on linux")
}
