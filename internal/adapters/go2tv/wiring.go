package go2tv

import (
	"context"

	"go2tv.app/go2tv/v2/castprotocol"
	"go2tv.app/go2tv/v2/devices"
	"go2tv.app/go2tv/v2/soapcalls"
	"go2tv.app/go2tv/v2/utils"
	"go2tv.app/sonosplay/internal/adapters"
)

// Bundle groups the go2tv-backed capabilities the player is built on.
type Bundle struct {
	Discovery   adapters.Discovery
	CastFactory adapters.CastFactory
	DLNAFactory adapters.DLNAFactory
}

func NewBundle() Bundle {
	return Bundle{
		Discovery:   DiscoveryAdapter{},
		CastFactory: CastFactory{},
		DLNAFactory: DLNAFactory{},
	}
}

// ListenAddressFor returns the local host:port go2tv would serve from when
// talking to the renderer at deviceURL. Only the host part is meaningful to
// callers that bind their own listener.
func ListenAddressFor(deviceURL string) (string, error) {
	return utils.URLtoListenIPandPort(deviceURL)
}

// MediaTypeFor sniffs the MIME type of a local file.
func MediaTypeFor(path string) (string, error) {
	return utils.GetMimeDetailsFromPath(path)
}

type DiscoveryAdapter struct{}

func (DiscoveryAdapter) StartChromecastDiscoveryLoop(ctx context.Context) {
	devices.StartChromecastDiscoveryLoop(ctx)
}

func (DiscoveryAdapter) LoadAllDevices(delaySeconds int) ([]devices.Device, error) {
	return devices.LoadAllDevices(delaySeconds)
}

type CastFactory struct{}

func (CastFactory) NewCastClient(deviceAddr string) (adapters.CastClient, error) {
	client, err := castprotocol.NewCastClient(deviceAddr)
	if err != nil {
		return nil, err
	}
	return &castClient{client: client}, nil
}

// castClient plays from position zero with no subtitles and no live flag.
type castClient struct {
	client *castprotocol.CastClient
}

func (c *castClient) Connect() error {
	return c.client.Connect()
}

func (c *castClient) Load(mediaURL, contentType string) error {
	return c.client.Load(mediaURL, contentType, 0, 0, "", false)
}

func (c *castClient) PlayerState() (string, error) {
	status, err := c.client.GetStatus()
	if err != nil || status == nil {
		return "", err
	}
	return status.PlayerState, nil
}

func (c *castClient) Stop() error {
	return c.client.Stop()
}

func (c *castClient) Close(stopMedia bool) error {
	return c.client.Close(stopMedia)
}

type DLNAFactory struct{}

func (DLNAFactory) NewTVPayload(o *soapcalls.Options) (adapters.DLNAPayload, error) {
	payload, err := soapcalls.NewTVPayload(o)
	if err != nil {
		return nil, err
	}
	return &dlnaPayload{payload: payload}, nil
}

type dlnaPayload struct {
	payload *soapcalls.TVPayload
}

func (d *dlnaPayload) SendtoTV(action string) error {
	return d.payload.SendtoTV(action)
}

func (d *dlnaPayload) GetTransportInfo() ([]string, error) {
	return d.payload.GetTransportInfo()
}

func (d *dlnaPayload) SetContext(ctx context.Context) {
	d.payload.SetContext(ctx)
}

func (d *dlnaPayload) SetMediaURL(mediaURL string) {
	d.payload.MediaURL = mediaURL
}

var (
	_ adapters.Discovery   = DiscoveryAdapter{}
	_ adapters.CastFactory = CastFactory{}
	_ adapters.DLNAFactory = DLNAFactory{}
	_ adapters.CastClient  = (*castClient)(nil)
	_ adapters.DLNAPayload = (*dlnaPayload)(nil)
)
