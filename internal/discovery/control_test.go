package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"go2tv.app/go2tv/v2/soapcalls"
	"go2tv.app/sonosplay/internal/adapters"
	"go2tv.app/sonosplay/internal/domain"
)

type fakeCastFactory struct {
	client *fakeCastClient
	err    error
}

func (f *fakeCastFactory) NewCastClient(deviceAddr string) (adapters.CastClient, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.client == nil {
		f.client = &fakeCastClient{}
	}
	f.client.deviceAddr = deviceAddr
	return f.client, nil
}

type fakeCastClient struct {
	deviceAddr string
	connectErr error
	loadErr    error
	stopErr    error
	state      string
	loadDelay  time.Duration

	mu           sync.Mutex
	loadURL      string
	loadType     string
	connectCalls int
	stopCalls    int
	closeCalls   int
	closedMedia  []bool
}

func (f *fakeCastClient) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	return f.connectErr
}

func (f *fakeCastClient) Load(mediaURL, contentType string) error {
	if f.loadDelay > 0 {
		time.Sleep(f.loadDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadURL = mediaURL
	f.loadType = contentType
	return f.loadErr
}

func (f *fakeCastClient) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	return f.stopErr
}

func (f *fakeCastClient) PlayerState() (string, error) {
	if f.state != "" {
		return f.state, nil
	}
	return "PLAYING", nil
}

func (f *fakeCastClient) Close(stopMedia bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	f.closedMedia = append(f.closedMedia, stopMedia)
	return nil
}

type fakeDLNAFactory struct {
	payload *fakeDLNAPayload
	err     error
	block   chan struct{}

	mu      sync.Mutex
	options []soapcalls.Options
}

func (f *fakeDLNAFactory) NewTVPayload(o *soapcalls.Options) (adapters.DLNAPayload, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.options = append(f.options, *o)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.payload == nil {
		f.payload = &fakeDLNAPayload{}
	}
	return f.payload, nil
}

type fakeDLNAPayload struct {
	mu        sync.Mutex
	mediaURL  string
	actions   []string
	actionErr map[string]error
	transport []string
}

func (f *fakeDLNAPayload) SendtoTV(action string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	if err, ok := f.actionErr[action]; ok {
		return err
	}
	return nil
}

func (f *fakeDLNAPayload) GetTransportInfo() ([]string, error) {
	return f.transport, nil
}

func (f *fakeDLNAPayload) SetContext(ctx context.Context) {}

func (f *fakeDLNAPayload) servedURL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mediaURL
}

func (f *fakeDLNAPayload) SetMediaURL(mediaURL string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mediaURL = mediaURL
}

func (f *fakeDLNAPayload) recordedActions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.actions...)
}

var (
	livingRoom = domain.Target{
		ID:       "tgt_living",
		Name:     "Living Room",
		Address:  "http://192.168.1.20:1400/xml/device_description.xml",
		Protocol: domain.ProtocolDLNA,
	}
	kitchen = domain.Target{
		ID:       "tgt_kitchen",
		Name:     "Kitchen Speaker",
		Address:  "http://192.168.1.30:8009",
		Protocol: domain.ProtocolChromecast,
	}
	song = domain.MediaFile{
		Path:        "/music/song.mp3",
		Name:        "song.mp3",
		ContentType: "audio/mpeg",
		Title:       "song",
	}
)

func TestSendPlayDLNAUsesServedURL(t *testing.T) {
	payload := &fakeDLNAPayload{}
	factory := &fakeDLNAFactory{payload: payload}
	cmd := NewCommander(nil, factory, time.Second, nil)

	url := "http://192.168.1.5:40123/song.mp3"
	if err := cmd.SendPlay(context.Background(), livingRoom, url, song); err != nil {
		t.Fatalf("send play: %v", err)
	}

	if payload.servedURL() != url {
		t.Fatalf("expected media URL %s, got %s", url, payload.servedURL())
	}
	if got := payload.recordedActions(); len(got) != 1 || got[0] != "Play1" {
		t.Fatalf("unexpected actions: %v", got)
	}
	if len(factory.options) != 1 {
		t.Fatalf("expected one payload, got %d", len(factory.options))
	}
	opts := factory.options[0]
	if opts.DMR != livingRoom.Address || opts.Media != song.Path || opts.Mtype != song.ContentType {
		t.Fatalf("unexpected payload options: %+v", opts)
	}
}

func TestSendPlayChromecastLoadsURL(t *testing.T) {
	client := &fakeCastClient{}
	cmd := NewCommander(&fakeCastFactory{client: client}, nil, time.Second, nil)

	url := "http://192.168.1.5:40123/song.mp3"
	if err := cmd.SendPlay(context.Background(), kitchen, url, song); err != nil {
		t.Fatalf("send play: %v", err)
	}

	if client.deviceAddr != kitchen.Address {
		t.Fatalf("unexpected device address: %s", client.deviceAddr)
	}
	if client.connectCalls != 1 {
		t.Fatalf("expected one connect, got %d", client.connectCalls)
	}
	if client.loadURL != url || client.loadType != "audio/mpeg" {
		t.Fatalf("unexpected load: url=%s type=%s", client.loadURL, client.loadType)
	}
}

func TestSendPlayClassifiesFailures(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want domain.Kind
	}{
		{name: "refused", err: errors.New("dial tcp 192.168.1.20:1400: connect: connection refused"), want: domain.KindUnreachable},
		{name: "no route", err: errors.New("dial tcp: no route to host"), want: domain.KindUnreachable},
		{name: "fault", err: errors.New("SOAP fault: 714 Illegal MIME-type"), want: domain.KindRejected},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := &fakeDLNAPayload{actionErr: map[string]error{"Play1": tc.err}}
			cmd := NewCommander(nil, &fakeDLNAFactory{payload: payload}, time.Second, nil)

			err := cmd.SendPlay(context.Background(), livingRoom, "http://192.168.1.5:1/song.mp3", song)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %s, got %v", tc.want, err)
			}
		})
	}
}

func TestSendPlayTimeoutIsUnreachable(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() {
		close(block)
	})

	cmd := NewCommander(nil, &fakeDLNAFactory{block: block}, 40*time.Millisecond, nil)

	start := time.Now()
	err := cmd.SendPlay(context.Background(), livingRoom, "http://192.168.1.5:1/song.mp3", song)
	if !errors.Is(err, domain.KindUnreachable) {
		t.Fatalf("expected UNREACHABLE, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline in chain, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("play was not bounded, elapsed=%s", elapsed)
	}
}

func TestSendPlayUnknownProtocolIsRejected(t *testing.T) {
	cmd := NewCommander(nil, nil, time.Second, nil)
	target := livingRoom
	target.Protocol = "airplay"

	err := cmd.SendPlay(context.Background(), target, "http://192.168.1.5:1/song.mp3", song)
	if !errors.Is(err, domain.KindRejected) {
		t.Fatalf("expected REJECTED, got %v", err)
	}
}

func TestSendStopReusesPlayPayload(t *testing.T) {
	payload := &fakeDLNAPayload{}
	factory := &fakeDLNAFactory{payload: payload}
	cmd := NewCommander(nil, factory, time.Second, nil)

	if err := cmd.SendPlay(context.Background(), livingRoom, "http://192.168.1.5:1/song.mp3", song); err != nil {
		t.Fatalf("send play: %v", err)
	}
	if err := cmd.SendStop(context.Background(), livingRoom); err != nil {
		t.Fatalf("send stop: %v", err)
	}

	if got := payload.recordedActions(); len(got) != 2 || got[1] != "Stop" {
		t.Fatalf("unexpected actions: %v", got)
	}
	if len(factory.options) != 1 {
		t.Fatalf("expected stop to reuse the play payload, got %d payloads", len(factory.options))
	}

	state, err := cmd.TransportState(context.Background(), livingRoom)
	if err != nil {
		t.Fatalf("transport state: %v", err)
	}
	if state != "idle" {
		t.Fatalf("expected released channel to read idle, got %q", state)
	}
}

func TestSendStopAlreadyStoppedIsWarning(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	payload := &fakeDLNAPayload{actionErr: map[string]error{
		"Stop": errors.New("SOAP fault: UPnPError 701 Transition not available"),
	}}
	cmd := NewCommander(nil, &fakeDLNAFactory{payload: payload}, time.Second, zap.New(core))

	if err := cmd.SendStop(context.Background(), livingRoom); err != nil {
		t.Fatalf("expected already-stopped to be tolerated, got %v", err)
	}
	if logs.FilterMessage("stop_command_already_stopped").Len() != 1 {
		t.Fatalf("expected one warning, got %v", logs.All())
	}
	entry := logs.FilterMessage("stop_command_already_stopped").All()[0]
	if entry.Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level, got %s", entry.Level)
	}
}

func TestSendStopChromecastClosesClient(t *testing.T) {
	client := &fakeCastClient{}
	cmd := NewCommander(&fakeCastFactory{client: client}, nil, time.Second, nil)

	if err := cmd.SendPlay(context.Background(), kitchen, "http://192.168.1.5:1/song.mp3", song); err != nil {
		t.Fatalf("send play: %v", err)
	}
	if err := cmd.SendStop(context.Background(), kitchen); err != nil {
		t.Fatalf("send stop: %v", err)
	}
	if client.stopCalls != 1 || client.closeCalls != 1 {
		t.Fatalf("expected stop and close once, got stop=%d close=%d", client.stopCalls, client.closeCalls)
	}
}

func TestSendStopFailureIsReturned(t *testing.T) {
	client := &fakeCastClient{stopErr: errors.New("i/o timeout")}
	cmd := NewCommander(&fakeCastFactory{client: client}, nil, time.Second, nil)

	if err := cmd.SendPlay(context.Background(), kitchen, "http://192.168.1.5:1/song.mp3", song); err != nil {
		t.Fatalf("send play: %v", err)
	}
	err := cmd.SendStop(context.Background(), kitchen)
	if !errors.Is(err, domain.KindUnreachable) {
		t.Fatalf("expected UNREACHABLE, got %v", err)
	}
	if client.closeCalls != 1 {
		t.Fatalf("expected the client to be closed after a failed stop, got %d", client.closeCalls)
	}
}

func TestTransportStateNormalizes(t *testing.T) {
	payload := &fakeDLNAPayload{transport: []string{"PAUSED_PLAYBACK", "OK"}}
	client := &fakeCastClient{state: "IDLE"}
	cmd := NewCommander(&fakeCastFactory{client: client}, &fakeDLNAFactory{payload: payload}, time.Second, nil)

	if err := cmd.SendPlay(context.Background(), livingRoom, "http://192.168.1.5:1/song.mp3", song); err != nil {
		t.Fatalf("send play: %v", err)
	}
	if err := cmd.SendPlay(context.Background(), kitchen, "http://192.168.1.5:1/song.mp3", song); err != nil {
		t.Fatalf("send play: %v", err)
	}

	state, err := cmd.TransportState(context.Background(), livingRoom)
	if err != nil {
		t.Fatalf("transport state: %v", err)
	}
	if state != "paused" {
		t.Fatalf("expected paused, got %q", state)
	}

	state, err = cmd.TransportState(context.Background(), kitchen)
	if err != nil {
		t.Fatalf("transport state: %v", err)
	}
	if state != "idle" {
		t.Fatalf("expected idle, got %q", state)
	}
}

func TestIsAlreadyStopped(t *testing.T) {
	cases := map[string]bool{
		"UPnPError 701":                     true,
		"no media session":                  true,
		"transport is NO_MEDIA_PRESENT":     true,
		"dial tcp 10.0.0.2:8701: refused":   false,
		"SOAP fault: 714 Illegal MIME-type": false,
	}
	for msg, want := range cases {
		if got := isAlreadyStopped(errors.New(msg)); got != want {
			t.Fatalf("isAlreadyStopped(%q) = %v, want %v", msg, got, want)
		}
	}
}

func TestReleaseDropsChannelWithoutCommand(t *testing.T) {
	client := &fakeCastClient{}
	cmd := NewCommander(&fakeCastFactory{client: client}, nil, time.Second, nil)

	if err := cmd.SendPlay(context.Background(), kitchen, "http://192.168.1.5:1/song.mp3", song); err != nil {
		t.Fatalf("send play: %v", err)
	}
	cmd.Release(kitchen)

	if client.stopCalls != 0 {
		t.Fatalf("expected no stop command, got %d", client.stopCalls)
	}
	if client.closeCalls != 1 {
		t.Fatalf("expected client to be closed once, got %d", client.closeCalls)
	}
	state, err := cmd.TransportState(context.Background(), kitchen)
	if err != nil {
		t.Fatalf("transport state: %v", err)
	}
	if state != "idle" {
		t.Fatalf("expected idle after release, got %q", state)
	}
}

func TestSendPlayChromecastLateLoadIsReverted(t *testing.T) {
	client := &fakeCastClient{loadDelay: 150 * time.Millisecond}
	cmd := NewCommander(&fakeCastFactory{client: client}, nil, 30*time.Millisecond, nil)
	err := cmd.SendPlay(context.Background(), kitchen, "http://192.168.1.50:53211/song.mp3", song)
	if !errors.Is(err, domain.KindUnreachable) {
		t.Fatalf("expected UNREACHABLE, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		client.mu.Lock()
		closed := append([]bool(nil), client.closedMedia...)
		loaded := client.loadURL
		client.mu.Unlock()
		if len(closed) > 0 {
			if loaded == "" {
				t.Fatal("expected the late load to have reached the device")
			}
			if !closed[0] {
				t.Fatal("expected the late session to be closed with its media stopped")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the late client to be closed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cmd.mu.Lock()
	_, tracked := cmd.cast[kitchen.ID]
	cmd.mu.Unlock()
	if tracked {
		t.Fatal("expected the abandoned client not to be tracked")
	}
}

func TestSendPlayDLNALatePlayIsStopped(t *testing.T) {
	block := make(chan struct{})
	payload := &fakeDLNAPayload{}
	cmd := NewCommander(nil, &fakeDLNAFactory{block: block, payload: payload}, 30*time.Millisecond, nil)
	err := cmd.SendPlay(context.Background(), livingRoom, "http://192.168.1.50:53211/song.mp3", song)
	if !errors.Is(err, domain.KindUnreachable) {
		t.Fatalf("expected UNREACHABLE, got %v", err)
	}
	close(block)

	deadline := time.Now().Add(2 * time.Second)
	for {
		payload.mu.Lock()
		actions := append([]string(nil), payload.actions...)
		payload.mu.Unlock()
		if len(actions) == 2 {
			if actions[0] != "Play1" || actions[1] != "Stop" {
				t.Fatalf("unexpected actions: %v", actions)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for stop, actions: %v", actions)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
