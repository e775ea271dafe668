//go:build !wasm

package serial

import (
	"fmt"
	"sort"
	"strings"

	"go.bug.st/serial/enumerator"
)

// PortInfo describes one serial port found on the host.
type PortInfo struct {
	Name    string
	USB     bool
	VID     string
	PID     string
	Serial  string
	Product string
}

func (p PortInfo) String() string {
	if !p.USB {
		return p.Name
	}
	s := fmt.Sprintf("%s [%s:%s]", p.Name, strings.ToLower(p.VID), strings.ToLower(p.PID))
	if p.Product != "" {
		s += " " + p.Product
	}
	if p.Serial != "" {
		s += " sn=" + p.Serial
	}
	return s
}

// List enumerates serial ports, USB ones first.
func List() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("serial: enumerate: %w", err)
	}
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:    d.Name,
			USB:     d.IsUSB,
			VID:     d.VID,
			PID:     d.PID,
			Serial:  d.SerialNumber,
			Product: d.Product,
		})
	}
	sortPorts(ports)
	return ports, nil
}

func sortPorts(ports []PortInfo) {
	sort.SliceStable(ports, func(i, j int) bool {
		if ports[i].USB != ports[j].USB {
			return ports[i].USB
		}
		return ports[i].Name < ports[j].Name
	})
}

// USBPrefix marks a port named by USB id, usb:VID:PID, instead of by path.
const USBPrefix = "usb:"

// Resolve maps a usb:VID:PID name to the path of the first matching USB
// port. Any other name is returned unchanged.
func Resolve(name string) (string, error) {
	return resolve(name, List)
}

func resolve(name string, list func() ([]PortInfo, error)) (string, error) {
	id, ok := strings.CutPrefix(name, USBPrefix)
	if !ok {
		return name, nil
	}
	vid, pid, ok := strings.Cut(id, ":")
	if !ok || vid == "" || pid == "" {
		return "", fmt.Errorf("serial: %q: want %sVID:PID", name, USBPrefix)
	}
	ports, err := list()
	if err != nil {
		return "", err
	}
	p, found := FindUSB(ports, vid, pid)
	if !found {
		return "", fmt.Errorf("serial: no USB port with id %s:%s", vid, pid)
	}
	return p.Name, nil
}

// FindUSB returns the first USB port whose VID:PID matches, case-insensitively.
func FindUSB(ports []PortInfo, vid, pid string) (PortInfo, bool) {
	for _, p := range ports {
		if p.USB && strings.EqualFold(p.VID, vid) && strings.EqualFold(p.PID, pid) {
			return p, true
		}
	}
	return PortInfo{}, false
}
