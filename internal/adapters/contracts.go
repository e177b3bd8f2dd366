// Package adapters declares the device capabilities the player depends on,
// so discovery and control can run against fakes in tests.
package adapters

import (
	"context"

	"go2tv.app/go2tv/v2/devices"
	"go2tv.app/go2tv/v2/soapcalls"
)

// Discovery finds renderers. Chromecasts are found by a background mDNS loop;
// LoadAllDevices merges them with an SSDP search lasting delaySeconds.
type Discovery interface {
	StartChromecastDiscoveryLoop(ctx context.Context)
	LoadAllDevices(delaySeconds int) ([]devices.Device, error)
}

// CastClient is a CastV2 connection that plays one URL from the start.
type CastClient interface {
	Connect() error
	Load(mediaURL, contentType string) error
	// PlayerState is the receiver's raw state, e.g. PLAYING or IDLE.
	PlayerState() (string, error)
	Stop() error
	Close(stopMedia bool) error
}

type CastFactory interface {
	NewCastClient(deviceAddr string) (CastClient, error)
}

// DLNAPayload drives AVTransport on one renderer. Every call uses the
// context from the latest SetContext.
type DLNAPayload interface {
	SetContext(ctx context.Context)
	SetMediaURL(mediaURL string)
	SendtoTV(action string) error
	GetTransportInfo() ([]string, error)
}

type DLNAFactory interface {
	NewTVPayload(o *soapcalls.Options) (DLNAPayload, error)
}
