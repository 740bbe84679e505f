// Package requests provides canned update requests for tests.
package requests

import "github.com/gecl/otawatch/pkg/trigger"

// Identity is the device identity the canned requests address.
const Identity = "AA:BB:CC:DD:EE:FF"

type Option func(*trigger.Request)

func WithChecksum(sum string) Option {
	return func(r *trigger.Request) {
		r.Checksum = sum
	}
}

func WithURL(url string) Option {
	return func(r *trigger.Request) {
		r.URL = url
	}
}

// Firmware returns a request for a plausible firmware image.
func Firmware(opts ...Option) *trigger.Request {
	r := &trigger.Request{
		Identity: Identity,
		URL:      "https://host/fw.bin",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}
