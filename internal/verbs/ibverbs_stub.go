//go:build !linux || !cgo

package verbs

import "errors"

// IbvProvider requires libverbs and is only functional on Linux builds with
// cgo enabled. This stub keeps the simulated backend usable elsewhere.
type IbvProvider struct {
	DeviceName string
	GIDIndex   int
}

// NewIbvProvider returns a provider whose OpenDevice always fails.
func NewIbvProvider(deviceName string, gidIndex int) *IbvProvider {
	return &IbvProvider{DeviceName: deviceName, GIDIndex: gidIndex}
}

// OpenDevice fails: this binary was built without libverbs support.
func (p *IbvProvider) OpenDevice() (Device, error) {
	return nil, errors.New("libverbs backend is supported on linux with cgo only")
}
