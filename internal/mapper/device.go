package mapper

import (
	"fmt"
	"log"
	"runtime"
	"strconv"
	"strings"
)

// Device is a compute handle resolved from a device id. The zero value
// is unset; Config fills it with the host device.
type Device struct {
	id      string
	workers int
}

// ID returns the resolved device identifier.
func (d Device) ID() string { return d.id }

// Workers returns the number of parallel workers the device binds.
func (d Device) Workers() int { return d.workers }

func hostDevice() Device {
	return Device{id: "cpu", workers: runtime.GOMAXPROCS(0)}
}

// AcquireDevice resolves a device id into a handle. "cpu" binds all
// available workers and "cpu:N" binds exactly N (0 meaning all).
// Accelerator ids ("cuda:0", "gpu") are recognized but not supported
// in this build; they fall back to the host device with a logged
// warning instead of failing the run. Any other id is an error.
func AcquireDevice(id string) (Device, error) {
	switch {
	case id == "" || id == "cpu":
		return hostDevice(), nil
	case strings.HasPrefix(id, "cpu:"):
		n, err := strconv.Atoi(strings.TrimPrefix(id, "cpu:"))
		if err != nil || n < 0 {
			return Device{}, fmt.Errorf("device: invalid worker count in %q", id)
		}
		if n == 0 {
			return hostDevice(), nil
		}
		return Device{id: id, workers: n}, nil
	case strings.HasPrefix(id, "cuda") || strings.HasPrefix(id, "gpu"):
		log.Printf("[Mapper] device %q is not supported in this build, falling back to cpu", id)
		return hostDevice(), nil
	default:
		return Device{}, fmt.Errorf("device: unknown device %q", id)
	}
}
