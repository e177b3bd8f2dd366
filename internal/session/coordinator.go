// Package session turns user intents (pick a file, pick a speaker, play,
// stop) into calls on the discovery service and the playback controller.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"go2tv.app/sonosplay/internal/domain"
	"go2tv.app/sonosplay/internal/media"
)

const (
	DefaultScanTimeout         = 5 * time.Second
	DefaultFallbackScanTimeout = 8 * time.Second
)

type Scanner interface {
	Scan(ctx context.Context, timeout time.Duration) ([]domain.Target, error)
}

type Player interface {
	Play(ctx context.Context, path string, target domain.Target) (*domain.Session, error)
	Stop(ctx context.Context) error
	Shutdown(ctx context.Context) error
	State() domain.State
	Current() *domain.Session
	Subscribe() (<-chan domain.StateChange, func())
}

type Options struct {
	ScanTimeout         time.Duration
	FallbackScanTimeout time.Duration
	// DefaultTarget is used by Play when neither an argument nor a
	// selection names a target.
	DefaultTarget string
	Logger        *zap.Logger
	Inspect       func(path string) (domain.MediaFile, error)
}

// Status is a point-in-time view for display.
type Status struct {
	State          domain.State      `json:"state"`
	Session        *domain.Session   `json:"session,omitempty"`
	SelectedFile   *domain.MediaFile `json:"selected_file,omitempty"`
	SelectedTarget *domain.Target    `json:"selected_target,omitempty"`
	KnownTargets   int               `json:"known_targets"`
	Message        string            `json:"message"`
}

type Coordinator struct {
	scanner Scanner
	player  Player
	logger  *zap.Logger
	inspect func(path string) (domain.MediaFile, error)

	scanTimeout     time.Duration
	fallbackTimeout time.Duration
	defaultTarget   string

	mu             sync.Mutex
	targets        []domain.Target
	scanned        bool
	selectedFile   *domain.MediaFile
	selectedTarget *domain.Target
}

func NewCoordinator(scanner Scanner, player Player, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	inspect := opts.Inspect
	if inspect == nil {
		inspect = media.Inspect
	}
	scanTimeout := opts.ScanTimeout
	if scanTimeout <= 0 {
		scanTimeout = DefaultScanTimeout
	}
	fallback := opts.FallbackScanTimeout
	if fallback <= 0 {
		fallback = DefaultFallbackScanTimeout
	}

	return &Coordinator{
		scanner:         scanner,
		player:          player,
		logger:          logger,
		inspect:         inspect,
		scanTimeout:     scanTimeout,
		fallbackTimeout: fallback,
		defaultTarget:   strings.TrimSpace(opts.DefaultTarget),
	}
}

// ListTargets scans the LAN and remembers the result for later selection.
// A selected target that is no longer present is forgotten.
func (c *Coordinator) ListTargets(ctx context.Context, timeout time.Duration) ([]domain.Target, error) {
	if timeout <= 0 {
		timeout = c.scanTimeout
	}
	return c.scan(ctx, timeout)
}

func (c *Coordinator) scan(ctx context.Context, timeout time.Duration) ([]domain.Target, error) {
	targets, err := c.scanner.Scan(ctx, timeout)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets = append([]domain.Target(nil), targets...)
	c.scanned = true
	if c.selectedTarget != nil && findByID(c.targets, c.selectedTarget.ID) == nil {
		c.logger.Info("selected_target_gone", zap.String("target", c.selectedTarget.Label()))
		c.selectedTarget = nil
	}

	c.logger.Info("targets_listed", zap.Int("count", len(targets)))
	return append([]domain.Target(nil), targets...), nil
}

// SelectFile validates path and makes it the file Play uses by default.
func (c *Coordinator) SelectFile(path string) (domain.MediaFile, error) {
	file, err := c.inspect(path)
	if err != nil {
		return domain.MediaFile{}, err
	}

	c.mu.Lock()
	c.selectedFile = &file
	c.mu.Unlock()
	return file, nil
}

// SelectTarget picks a target from the last scan by ID or name.
func (c *Coordinator) SelectTarget(selector string) (domain.Target, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return domain.Target{}, domain.NewError(domain.KindInvalidRequest, "select_target", errors.New("target is empty"))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	matched := matchTarget(c.targets, selector)
	if matched == nil {
		return domain.Target{}, targetNotFound("select_target", selector)
	}
	target := *matched
	c.selectedTarget = &target
	return target, nil
}

// Play starts file on target. Empty arguments fall back to the current
// selections. A target missing from the last scan triggers one rescan.
func (c *Coordinator) Play(ctx context.Context, file, target string) (*domain.Session, error) {
	path, err := c.resolveFile(file)
	if err != nil {
		return nil, err
	}
	resolved, err := c.resolveTarget(ctx, target)
	if err != nil {
		return nil, err
	}

	sess, err := c.player.Play(ctx, path, resolved)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	selectedFile := sess.Media
	selectedTarget := sess.Target
	c.selectedFile = &selectedFile
	c.selectedTarget = &selectedTarget
	c.mu.Unlock()
	return sess, nil
}

func (c *Coordinator) Stop(ctx context.Context) error {
	return c.player.Stop(ctx)
}

func (c *Coordinator) Shutdown(ctx context.Context) error {
	return c.player.Shutdown(ctx)
}

func (c *Coordinator) Subscribe() (<-chan domain.StateChange, func()) {
	return c.player.Subscribe()
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	status := Status{
		KnownTargets: len(c.targets),
	}
	if c.selectedFile != nil {
		file := *c.selectedFile
		status.SelectedFile = &file
	}
	if c.selectedTarget != nil {
		target := *c.selectedTarget
		status.SelectedTarget = &target
	}
	scanned := c.scanned
	c.mu.Unlock()

	status.State = c.player.State()
	status.Session = c.player.Current()

	switch {
	case status.Session != nil && status.State == domain.StatePlaying:
		status.Message = fmt.Sprintf("Playing %s on %s", displayTitle(status.Session.Media), status.Session.Target.Label())
	case status.Session != nil:
		status.Message = fmt.Sprintf("%s %s on %s", capitalize(string(status.State)), displayTitle(status.Session.Media), status.Session.Target.Label())
	case scanned:
		status.Message = fmt.Sprintf("Found %d speakers. Nothing playing", status.KnownTargets)
	default:
		status.Message = "Nothing playing"
	}
	return status
}

func (c *Coordinator) resolveFile(file string) (string, error) {
	if file = strings.TrimSpace(file); file != "" {
		return file, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selectedFile == nil {
		return "", domain.NewError(domain.KindInvalidRequest, "play", errors.New("no file selected"))
	}
	return c.selectedFile.Path, nil
}

func (c *Coordinator) resolveTarget(ctx context.Context, selector string) (domain.Target, error) {
	selector = strings.TrimSpace(selector)

	c.mu.Lock()
	if selector == "" && c.selectedTarget != nil {
		target := *c.selectedTarget
		c.mu.Unlock()
		return target, nil
	}
	if selector == "" {
		selector = c.defaultTarget
	}
	if selector == "" {
		c.mu.Unlock()
		return domain.Target{}, domain.NewError(domain.KindInvalidRequest, "play", errors.New("no target selected"))
	}
	if matched := matchTarget(c.targets, selector); matched != nil {
		target := *matched
		c.mu.Unlock()
		return target, nil
	}
	c.mu.Unlock()

	c.logger.Info("target_not_cached_rescanning",
		zap.String("target", selector),
		zap.Duration("timeout", c.fallbackTimeout),
	)
	targets, err := c.scan(ctx, c.fallbackTimeout)
	if err != nil {
		return domain.Target{}, err
	}
	if matched := matchTarget(targets, selector); matched != nil {
		return *matched, nil
	}
	return domain.Target{}, targetNotFound("play", selector)
}

// matchTarget tries, in order: exact ID, exact name, then case-insensitive ID
// or name, or the name without a trailing " (...)" qualifier.
func matchTarget(targets []domain.Target, selector string) *domain.Target {
	selector = strings.TrimSpace(selector)
	normalized := normalizeSelector(selector)

	for i := range targets {
		if strings.TrimSpace(targets[i].ID) == selector {
			return &targets[i]
		}
	}
	for i := range targets {
		if strings.TrimSpace(targets[i].Name) == selector {
			return &targets[i]
		}
	}
	for i := range targets {
		if strings.EqualFold(strings.TrimSpace(targets[i].ID), selector) {
			return &targets[i]
		}
		if strings.EqualFold(strings.TrimSpace(targets[i].Name), selector) {
			return &targets[i]
		}
		if normalizeSelector(targets[i].Name) == normalized {
			return &targets[i]
		}
	}
	return nil
}

func normalizeSelector(v string) string {
	normalized := strings.ToLower(strings.TrimSpace(v))
	if idx := strings.LastIndex(normalized, " ("); idx > 0 && strings.HasSuffix(normalized, ")") {
		normalized = strings.TrimSpace(normalized[:idx])
	}
	return normalized
}

func findByID(targets []domain.Target, id string) *domain.Target {
	for i := range targets {
		if targets[i].ID == id {
			return &targets[i]
		}
	}
	return nil
}

func targetNotFound(op, selector string) *domain.Error {
	return domain.NewError(domain.KindTargetNotFound, op, fmt.Errorf("no target matches %q", selector))
}

func displayTitle(file domain.MediaFile) string {
	if file.Title != "" {
		return file.Title
	}
	return file.Name
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
