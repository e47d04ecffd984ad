// backend.go - Geraete-Pool fuer SPMD-Ausfuehrung
//
// Dieses Modul verwaltet den Pool simulierter Beschleuniger-Geraete.
// Ein Mesh bildet logische Achsen auf diese Geraete ab; die verteilten
// Attention-Kernel starten pro Geraet einen Worker.
package ml

import "fmt"

// Device is one accelerator slot in the pool. Execution is host-driven
// SPMD: a single driver goroutine dispatches per-device workers that run
// one synchronous step each.
type Device struct {
	ID       int
	Platform Platform
}

func (d Device) String() string {
	return fmt.Sprintf("%s:%d", d.Platform, d.ID)
}

// DevicePool holds the devices available for mesh construction.
type DevicePool struct {
	devices []Device
}

// NewDevicePool creates a pool of count devices of the given platform.
func NewDevicePool(platform Platform, count int) *DevicePool {
	if count < 1 {
		panic(fmt.Sprintf("ml: device pool needs at least one device, got %d", count))
	}
	p := &DevicePool{devices: make([]Device, count)}
	for i := range p.devices {
		p.devices[i] = Device{ID: i, Platform: platform}
	}
	return p
}

// Count returns the number of devices.
func (p *DevicePool) Count() int { return len(p.devices) }

// Devices returns the device list in id order.
func (p *DevicePool) Devices() []Device { return p.devices }

// Platform returns the platform shared by all pool devices.
func (p *DevicePool) Platform() Platform { return p.devices[0].Platform }
