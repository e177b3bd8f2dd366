package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go2tv.app/sonosplay/internal/domain"
)

type fakeScanner struct {
	mu       sync.Mutex
	results  [][]domain.Target
	err      error
	calls    int
	timeouts []time.Duration
}

func (f *fakeScanner) Scan(ctx context.Context, timeout time.Duration) ([]domain.Target, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.timeouts = append(f.timeouts, timeout)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.results) == 0 {
		return []domain.Target{}, nil
	}
	idx := f.calls - 1
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	return f.results[idx], nil
}

type fakePlayer struct {
	mu        sync.Mutex
	playErr   error
	played    []string
	stopCalls int
	shutdowns int
	state     domain.State
	current   *domain.Session
}

func (f *fakePlayer) Play(ctx context.Context, path string, target domain.Target) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.played = append(f.played, path+"@"+target.Name)
	if f.playErr != nil {
		return nil, f.playErr
	}
	f.state = domain.StatePlaying
	f.current = &domain.Session{
		ID:     "sess-1",
		Target: target,
		Media:  domain.MediaFile{Path: path, Name: "song.mp3", Title: "Song"},
		URL:    "http://192.168.1.5:40000/song.mp3",
	}
	out := *f.current
	return &out, nil
}

func (f *fakePlayer) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	f.state = domain.StateIdle
	f.current = nil
	return nil
}

func (f *fakePlayer) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	return nil
}

func (f *fakePlayer) State() domain.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == "" {
		return domain.StateIdle
	}
	return f.state
}

func (f *fakePlayer) Current() *domain.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return nil
	}
	out := *f.current
	return &out
}

func (f *fakePlayer) Subscribe() (<-chan domain.StateChange, func()) {
	ch := make(chan domain.StateChange)
	return ch, func() {}
}

func fakeInspect(path string) (domain.MediaFile, error) {
	if strings.Contains(path, "missing") {
		return domain.MediaFile{}, domain.NewError(domain.KindFile, "inspect", errors.New("file not found")).WithFile(path)
	}
	return domain.MediaFile{Path: path, Name: "song.mp3", Title: "Song"}, nil
}

var (
	livingRoom = domain.Target{ID: "tgt_living", Name: "Living Room", Address: "http://192.168.1.20:1400/desc.xml", Protocol: domain.ProtocolDLNA}
	kitchen    = domain.Target{ID: "tgt_kitchen", Name: "Kitchen (Sonos One)", Address: "http://192.168.1.30:1400/desc.xml", Protocol: domain.ProtocolDLNA}
)

func newTestCoordinator(scanner Scanner, player Player) *Coordinator {
	return NewCoordinator(scanner, player, Options{
		ScanTimeout:         time.Second,
		FallbackScanTimeout: 3 * time.Second,
		Inspect:             fakeInspect,
	})
}

func TestListTargetsCachesAndForgetsVanishedSelection(t *testing.T) {
	scanner := &fakeScanner{results: [][]domain.Target{
		{livingRoom, kitchen},
		{kitchen},
	}}
	c := newTestCoordinator(scanner, &fakePlayer{})

	targets, err := c.ListTargets(context.Background(), 0)
	if err != nil {
		t.Fatalf("list targets: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(targets))
	}
	if scanner.timeouts[0] != time.Second {
		t.Fatalf("expected default scan timeout, got %s", scanner.timeouts[0])
	}

	if _, err := c.SelectTarget("living room"); err != nil {
		t.Fatalf("select target: %v", err)
	}
	if _, err := c.ListTargets(context.Background(), 500*time.Millisecond); err != nil {
		t.Fatalf("list targets: %v", err)
	}
	if status := c.Status(); status.SelectedTarget != nil {
		t.Fatalf("expected vanished target to be deselected, got %+v", status.SelectedTarget)
	}
}

func TestSelectTargetMatching(t *testing.T) {
	scanner := &fakeScanner{results: [][]domain.Target{{livingRoom, kitchen}}}
	c := newTestCoordinator(scanner, &fakePlayer{})
	if _, err := c.ListTargets(context.Background(), 0); err != nil {
		t.Fatalf("list targets: %v", err)
	}

	cases := map[string]string{
		"tgt_kitchen":         kitchen.ID,
		"Living Room":         livingRoom.ID,
		"LIVING ROOM":         livingRoom.ID,
		"Kitchen":             kitchen.ID,
		"kitchen (sonos one)": kitchen.ID,
	}
	for selector, wantID := range cases {
		got, err := c.SelectTarget(selector)
		if err != nil {
			t.Fatalf("select %q: %v", selector, err)
		}
		if got.ID != wantID {
			t.Fatalf("select %q: got %s, want %s", selector, got.ID, wantID)
		}
	}

	if _, err := c.SelectTarget("Garage"); !errors.Is(err, domain.KindTargetNotFound) {
		t.Fatalf("expected TARGET_NOT_FOUND, got %v", err)
	}
}

func TestSelectFileRejectsMissingFile(t *testing.T) {
	c := newTestCoordinator(&fakeScanner{}, &fakePlayer{})

	if _, err := c.SelectFile("/music/missing.mp3"); !errors.Is(err, domain.KindFile) {
		t.Fatalf("expected FILE_ERROR, got %v", err)
	}
	if c.Status().SelectedFile != nil {
		t.Fatal("expected no file selection")
	}
}

func TestPlayUsesSelections(t *testing.T) {
	scanner := &fakeScanner{results: [][]domain.Target{{livingRoom, kitchen}}}
	player := &fakePlayer{}
	c := newTestCoordinator(scanner, player)

	if _, err := c.ListTargets(context.Background(), 0); err != nil {
		t.Fatalf("list targets: %v", err)
	}
	if _, err := c.SelectFile("/music/song.mp3"); err != nil {
		t.Fatalf("select file: %v", err)
	}
	if _, err := c.SelectTarget("Living Room"); err != nil {
		t.Fatalf("select target: %v", err)
	}

	sess, err := c.Play(context.Background(), "", "")
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	if sess.Target.ID != livingRoom.ID {
		t.Fatalf("unexpected target: %s", sess.Target.ID)
	}
	if len(player.played) != 1 || player.played[0] != "/music/song.mp3@Living Room" {
		t.Fatalf("unexpected plays: %v", player.played)
	}

	status := c.Status()
	if status.State != domain.StatePlaying || status.Message != "Playing Song on Living Room" {
		t.Fatalf("unexpected status: %+v", status)
	}

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if status := c.Status(); status.Message != "Found 2 speakers. Nothing playing" {
		t.Fatalf("unexpected status message: %q", status.Message)
	}
}

func TestPlayWithoutSelectionsIsInvalid(t *testing.T) {
	c := newTestCoordinator(&fakeScanner{}, &fakePlayer{})

	if _, err := c.Play(context.Background(), "", "Living Room"); !errors.Is(err, domain.KindInvalidRequest) {
		t.Fatalf("expected INVALID_REQUEST for missing file, got %v", err)
	}
	if _, err := c.Play(context.Background(), "/music/song.mp3", ""); !errors.Is(err, domain.KindInvalidRequest) {
		t.Fatalf("expected INVALID_REQUEST for missing target, got %v", err)
	}
}

func TestPlayRescansUnknownTargetOnce(t *testing.T) {
	scanner := &fakeScanner{results: [][]domain.Target{{livingRoom}}}
	player := &fakePlayer{}
	c := newTestCoordinator(scanner, player)

	if _, err := c.Play(context.Background(), "/music/song.mp3", "Living Room"); err != nil {
		t.Fatalf("play: %v", err)
	}
	if scanner.calls != 1 || scanner.timeouts[0] != 3*time.Second {
		t.Fatalf("expected one fallback scan, calls=%d timeouts=%v", scanner.calls, scanner.timeouts)
	}

	_, err := c.Play(context.Background(), "/music/song.mp3", "Garage")
	if !errors.Is(err, domain.KindTargetNotFound) {
		t.Fatalf("expected TARGET_NOT_FOUND, got %v", err)
	}
	if scanner.calls != 2 {
		t.Fatalf("expected a single rescan for the unknown target, got %d scans", scanner.calls)
	}
}

func TestPlayFallsBackToDefaultTarget(t *testing.T) {
	scanner := &fakeScanner{results: [][]domain.Target{{livingRoom, kitchen}}}
	player := &fakePlayer{}
	c := NewCoordinator(scanner, player, Options{DefaultTarget: "Kitchen", Inspect: fakeInspect})

	sess, err := c.Play(context.Background(), "/music/song.mp3", "")
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	if sess.Target.ID != kitchen.ID {
		t.Fatalf("expected default target, got %s", sess.Target.ID)
	}
}

func TestPlayPropagatesDiscoveryError(t *testing.T) {
	scanner := &fakeScanner{err: domain.NewError(domain.KindDiscovery, "scan", errors.New("multicast unavailable"))}
	c := newTestCoordinator(scanner, &fakePlayer{})

	_, err := c.Play(context.Background(), "/music/song.mp3", "Living Room")
	if !errors.Is(err, domain.KindDiscovery) {
		t.Fatalf("expected DISCOVERY_ERROR, got %v", err)
	}
}

func TestShutdownDelegatesToPlayer(t *testing.T) {
	player := &fakePlayer{}
	c := newTestCoordinator(&fakeScanner{}, player)

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if player.shutdowns != 1 {
		t.Fatalf("expected one shutdown, got %d", player.shutdowns)
	}
	if msg := c.Status().Message; msg != "Nothing playing" {
		t.Fatalf("unexpected status message: %q", msg)
	}
}
