//go:build linux

// Package linux implements the bus and line abstractions on Linux spidev
// and sysfs GPIO.
package linux

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
	"tinygo.org/x/drivers"
)

// spidev ioctl requests, _IOW('k', nr, size) with the generic encoding.
const (
	spiIOCMagic = 'k'

	spiIOCWrMode        = 1<<30 | 1<<16 | spiIOCMagic<<8 | 1
	spiIOCWrBitsPerWord = 1<<30 | 1<<16 | spiIOCMagic<<8 | 3
	spiIOCWrMaxSpeedHz  = 1<<30 | 4<<16 | spiIOCMagic<<8 | 4
	spiIOCMessage1      = 1<<30 | spiTransferSize<<16 | spiIOCMagic<<8 | 0
)

// spiTransfer mirrors struct spi_ioc_transfer.
type spiTransfer struct {
	txBuf       uint64
	rxBuf       uint64
	length      uint32
	speedHz     uint32
	delayUsecs  uint16
	bitsPerWord uint8
	csChange    uint8
	txNbits     uint8
	rxNbits     uint8
	wordDelay   uint8
	pad         uint8
}

const spiTransferSize = 32

// SPI is a spidev device. It implements drivers.SPI.
type SPI struct {
	mu    sync.Mutex
	fd    int
	speed uint32
	path  string
}

var _ drivers.SPI = (*SPI)(nil)

// OpenSPI opens a spidev node such as /dev/spidev0.0 with the given mode
// (0-3) and clock.
func OpenSPI(path string, mode uint8, speedHz uint32) (*SPI, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("spidev: open %s: %w", path, err)
	}
	s := &SPI{fd: fd, speed: speedHz, path: path}
	bits := uint8(8)
	if err := s.ioctl(spiIOCWrMode, unsafe.Pointer(&mode)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("spidev: %s mode %d: %w", path, mode, err)
	}
	if err := s.ioctl(spiIOCWrBitsPerWord, unsafe.Pointer(&bits)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("spidev: %s bits per word: %w", path, err)
	}
	if err := s.ioctl(spiIOCWrMaxSpeedHz, unsafe.Pointer(&speedHz)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("spidev: %s speed %d: %w", path, speedHz, err)
	}
	return s, nil
}

func (s *SPI) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(s.fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// Tx performs one full-duplex transfer with chip select held throughout.
func (s *SPI) Tx(w, r []byte) error {
	n := max(len(w), len(r))
	if w != nil && r != nil && len(w) != len(r) {
		return fmt.Errorf("spidev: tx %d bytes, rx %d bytes", len(w), len(r))
	}
	if n == 0 {
		return nil
	}
	xfer := spiTransfer{
		length:      uint32(n),
		speedHz:     s.speed,
		bitsPerWord: 8,
	}
	if w != nil {
		xfer.txBuf = uint64(uintptr(unsafe.Pointer(&w[0])))
	}
	if r != nil {
		xfer.rxBuf = uint64(uintptr(unsafe.Pointer(&r[0])))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.ioctl(spiIOCMessage1, unsafe.Pointer(&xfer))
	runtime.KeepAlive(w)
	runtime.KeepAlive(r)
	if err != nil {
		return fmt.Errorf("spidev: %s transfer: %w", s.path, err)
	}
	return nil
}

// Transfer exchanges one byte.
func (s *SPI) Transfer(b byte) (byte, error) {
	var in [1]byte
	err := s.Tx([]byte{b}, in[:])
	return in[0], err
}

func (s *SPI) Close() error {
	return unix.Close(s.fd)
}
