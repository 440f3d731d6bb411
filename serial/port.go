// Package serial owns the USB serial link to the exoskeleton controller.
//
// A Device opens the port on request, runs one read loop per open port that
// feeds the telemetry relay, and accepts command writes. Ports are reached
// through an Opener so tests can substitute an in-memory link.
package serial

import (
	"fmt"
	"io"
	"strings"
	"time"

	goserial "go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/c360/exobridge/config"
	"github.com/c360/exobridge/errors"
)

// Port is an open serial link. Read returns (0, nil) when the read timeout
// expires without data.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// PortInfo describes an enumerated port.
type PortInfo struct {
	Path    string `json:"path"`
	USB     bool   `json:"usb"`
	VID     string `json:"vid,omitempty"`
	PID     string `json:"pid,omitempty"`
	Serial  string `json:"serial,omitempty"`
	Product string `json:"product,omitempty"`
}

// Opener lists and opens serial ports.
type Opener interface {
	List() ([]PortInfo, error)
	Open(path string, baudRate int) (Port, error)
}

// SystemOpener uses the host's serial ports.
type SystemOpener struct{}

// List enumerates host ports with USB details where available.
func (SystemOpener) List() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, errors.WrapTransient(err, "SystemOpener", "List", "enumerate ports")
	}

	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Path:    d.Name,
			USB:     d.IsUSB,
			VID:     d.VID,
			PID:     d.PID,
			Serial:  d.SerialNumber,
			Product: d.Product,
		})
	}
	return ports, nil
}

// Open opens path in 8N1 mode at baudRate.
func (SystemOpener) Open(path string, baudRate int) (Port, error) {
	port, err := goserial.Open(path, &goserial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   goserial.NoParity,
		StopBits: goserial.OneStopBit,
	})
	if err != nil {
		var portErr *goserial.PortError
		if errors.As(err, &portErr) && portErr.Code() == goserial.PortNotFound {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrPortNotFound, path),
				"SystemOpener", "Open", "open port")
		}
		return nil, errors.WrapTransient(err, "SystemOpener", "Open", fmt.Sprintf("open %s", path))
	}
	return port, nil
}

// Locate picks the controller's port. An explicit path wins; otherwise the
// first USB port whose vendor ID matches, or whose product string contains
// ProductMatch, is chosen.
func Locate(ports []PortInfo, cfg config.SerialConfig) (PortInfo, bool) {
	if cfg.Path != "" {
		for _, p := range ports {
			if p.Path == cfg.Path {
				return p, true
			}
		}
		return PortInfo{Path: cfg.Path}, true
	}

	for _, p := range ports {
		if !p.USB {
			continue
		}
		if cfg.VendorID != "" && strings.EqualFold(p.VID, cfg.VendorID) {
			return p, true
		}
		if cfg.ProductMatch != "" && strings.Contains(strings.ToLower(p.Product), strings.ToLower(cfg.ProductMatch)) {
			return p, true
		}
	}
	return PortInfo{}, false
}
