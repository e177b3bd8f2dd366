// Package playback owns the state machine that ties one served file to one
// renderer: idle, serving, playing, stopping and back to idle.
package playback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"go2tv.app/sonosplay/internal/domain"
	"go2tv.app/sonosplay/internal/media"
)

const (
	DefaultPollInterval = 4 * time.Second
	subscriberBuffer    = 16
)

// Commander sends transport commands to a target.
type Commander interface {
	SendPlay(ctx context.Context, target domain.Target, mediaURL string, file domain.MediaFile) error
	SendStop(ctx context.Context, target domain.Target) error
	TransportState(ctx context.Context, target domain.Target) (string, error)
	Release(target domain.Target)
}

// MediaServer exposes a single file over HTTP.
type MediaServer interface {
	StartFor(file domain.MediaFile, peerAddress string) (string, error)
	Stop()
}

type Options struct {
	// PollInterval is how often a playing target is asked for its transport
	// state. Zero uses DefaultPollInterval; negative disables the monitor.
	PollInterval time.Duration
	Logger       *zap.Logger
	Inspect      func(path string) (domain.MediaFile, error)
	Now          func() time.Time
}

type Controller struct {
	commander    Commander
	server       MediaServer
	inspect      func(path string) (domain.MediaFile, error)
	now          func() time.Time
	logger       *zap.Logger
	pollInterval time.Duration

	// lock serializes transitions. It is a channel so that acquisition can
	// give up when a context ends.
	lock chan struct{}

	lifetime       context.Context
	cancelLifetime context.CancelFunc
	shutdownOnce   sync.Once
	shutdownErr    error

	mu            sync.Mutex
	state         domain.State
	current       *domain.Session
	monitorCancel context.CancelFunc
	closed        bool
	subs          map[int]chan domain.StateChange
	nextSub       int
}

func NewController(commander Commander, server MediaServer, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	inspect := opts.Inspect
	if inspect == nil {
		inspect = media.Inspect
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	poll := opts.PollInterval
	if poll == 0 {
		poll = DefaultPollInterval
	}

	lifetime, cancel := context.WithCancel(context.Background())
	return &Controller{
		commander:      commander,
		server:         server,
		inspect:        inspect,
		now:            now,
		logger:         logger,
		pollInterval:   poll,
		lock:           make(chan struct{}, 1),
		lifetime:       lifetime,
		cancelLifetime: cancel,
		state:          domain.StateIdle,
		subs:           make(map[int]chan domain.StateChange),
	}
}

// Play serves path and tells target to play it. Any current session is
// stopped first, so the previous target receives its stop before the new
// target receives play. On error the controller is idle with nothing served.
func (c *Controller) Play(ctx context.Context, path string, target domain.Target) (*domain.Session, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopAfter := context.AfterFunc(c.lifetime, cancel)
	defer stopAfter()

	if err := c.acquire(ctx); err != nil {
		if c.isClosed() {
			return nil, domain.NewError(domain.KindShuttingDown, "play", err).WithTarget(target)
		}
		return nil, err
	}
	defer c.release()

	if c.isClosed() {
		return nil, shuttingDown("play").WithTarget(target)
	}

	if c.hasSession() {
		if err := c.stopLocked(ctx, "superseded"); err != nil {
			c.logger.Warn("previous_session_stop_failed", zap.Error(err))
		}
	}
	if err := c.interrupted(ctx, target); err != nil {
		return nil, err
	}

	file, err := c.inspect(path)
	if err != nil {
		return nil, err
	}
	if err := c.interrupted(ctx, target); err != nil {
		return nil, err
	}

	mediaURL, err := c.server.StartFor(file, target.Address)
	if err != nil {
		return nil, err
	}

	sess := &domain.Session{
		ID:        newSessionID(),
		Target:    target,
		Media:     file,
		URL:       mediaURL,
		StartedAt: c.now(),
	}
	c.mu.Lock()
	c.current = sess
	c.mu.Unlock()
	c.transition(domain.StateServing, sess.ID, "media_served")

	if err := c.commander.SendPlay(ctx, target, mediaURL, file); err != nil {
		c.transition(domain.StateStopping, sess.ID, "play_failed")
		c.server.Stop()
		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()
		c.transition(domain.StateIdle, sess.ID, "play_failed")

		c.logger.Warn("playback_start_failed",
			zap.String("session_id", sess.ID),
			zap.String("target", target.Label()),
			zap.Error(err),
		)
		if c.lifetime.Err() != nil {
			return nil, domain.NewError(domain.KindShuttingDown, "play", err).WithTarget(target)
		}
		return nil, err
	}

	// A forced shutdown may have given up on this transition while the
	// command was out. Undo the play rather than leave a live session.
	if c.lifetime.Err() != nil {
		if err := c.stopLocked(context.WithoutCancel(ctx), "shutdown"); err != nil {
			c.logger.Warn("late_play_stop_failed", zap.String("session_id", sess.ID), zap.Error(err))
		}
		return nil, shuttingDown("play").WithTarget(target)
	}

	monitorCtx, monitorCancel := context.WithCancel(c.lifetime)
	c.mu.Lock()
	c.monitorCancel = monitorCancel
	c.mu.Unlock()
	c.transition(domain.StatePlaying, sess.ID, "play_sent")

	if c.pollInterval > 0 {
		go c.monitor(monitorCtx, *sess)
	}

	c.logger.Info("playback_started",
		zap.String("session_id", sess.ID),
		zap.String("target", target.Label()),
		zap.String("url", mediaURL),
	)
	out := *sess
	return &out, nil
}

// Stop ends the current session. With nothing playing it returns nil. The
// stop command is best effort: the media server is always stopped and the
// controller always ends idle; the command error is returned afterwards.
func (c *Controller) Stop(ctx context.Context) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	return c.stopLocked(ctx, "stop_requested")
}

// Shutdown stops the current session and refuses new ones. An in-flight Play
// is preempted. If ctx ends before the running transition yields, the media
// server is stopped anyway and ctx's error is returned. Repeated calls return
// the first result.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.cancelLifetime()

		if err := c.acquire(ctx); err != nil {
			c.logger.Warn("shutdown_forced", zap.Error(err))
			c.server.Stop()
			c.closeSubscribers()
			c.shutdownErr = err
			return
		}
		defer c.release()

		c.shutdownErr = c.stopLocked(ctx, "shutdown")
		c.server.Stop()
		c.closeSubscribers()
		c.logger.Info("playback_controller_shut_down")
	})
	return c.shutdownErr
}

func (c *Controller) State() domain.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Current returns a copy of the active session, or nil.
func (c *Controller) Current() *domain.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	out := *c.current
	return &out
}

// Subscribe returns a channel of state changes and a function that ends the
// subscription. Slow subscribers miss events rather than block transitions.
// The channel is closed on shutdown or cancel.
func (c *Controller) Subscribe() (<-chan domain.StateChange, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan domain.StateChange, subscriberBuffer)
	if c.closed {
		close(ch)
		return ch, func() {}
	}

	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub)
			}
		})
	}
}

// stopLocked must be called with the transition lock held.
func (c *Controller) stopLocked(ctx context.Context, reason string) error {
	c.mu.Lock()
	sess := c.current
	if c.monitorCancel != nil {
		c.monitorCancel()
		c.monitorCancel = nil
	}
	c.mu.Unlock()
	if sess == nil {
		return nil
	}

	c.transition(domain.StateStopping, sess.ID, reason)

	stopErr := c.commander.SendStop(ctx, sess.Target)
	if stopErr != nil {
		c.logger.Warn("stop_command_failed",
			zap.String("session_id", sess.ID),
			zap.String("target", sess.Target.Label()),
			zap.Error(stopErr),
		)
	}

	c.server.Stop()
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
	c.transition(domain.StateIdle, sess.ID, reason)

	c.logger.Info("playback_stopped",
		zap.String("session_id", sess.ID),
		zap.String("reason", reason),
	)
	return stopErr
}

// monitor retires sess once its target reports that playback ended by
// itself. It exits as soon as the session is torn down elsewhere.
func (c *Controller) monitor(ctx context.Context, sess domain.Session) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	sawPlaying := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		state, err := c.commander.TransportState(ctx, sess.Target)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("transport_state_poll_failed",
				zap.String("session_id", sess.ID),
				zap.Error(err),
			)
			continue
		}

		switch state {
		case "playing", "paused", "buffering":
			sawPlaying = true
		case "stopped", "idle":
			if sawPlaying {
				c.retire(ctx, sess.ID)
				return
			}
		}
	}
}

func (c *Controller) retire(ctx context.Context, sessionID string) {
	if err := c.acquire(ctx); err != nil {
		return
	}
	defer c.release()

	c.mu.Lock()
	sess := c.current
	if ctx.Err() != nil || sess == nil || sess.ID != sessionID {
		c.mu.Unlock()
		return
	}
	if c.monitorCancel != nil {
		c.monitorCancel()
		c.monitorCancel = nil
	}
	c.mu.Unlock()

	c.transition(domain.StateStopping, sessionID, "device_stopped")
	c.commander.Release(sess.Target)
	c.server.Stop()
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
	c.transition(domain.StateIdle, sessionID, "device_stopped")

	c.logger.Info("playback_finished_on_device",
		zap.String("session_id", sessionID),
		zap.String("target", sess.Target.Label()),
	)
}

func (c *Controller) transition(to domain.State, sessionID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	change := domain.StateChange{
		From:      c.state,
		To:        to,
		SessionID: sessionID,
		Reason:    reason,
		At:        c.now(),
	}
	c.state = to

	for id, ch := range c.subs {
		select {
		case ch <- change:
		default:
			c.logger.Debug("state_change_dropped", zap.Int("subscriber", id), zap.String("to", string(to)))
		}
	}
}

func (c *Controller) closeSubscribers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
}

func (c *Controller) acquire(ctx context.Context) error {
	select {
	case c.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) release() {
	<-c.lock
}

func (c *Controller) hasSession() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// interrupted reports why an in-flight Play must give up before its next
// side effect, or nil.
func (c *Controller) interrupted(ctx context.Context, target domain.Target) error {
	if c.lifetime.Err() != nil {
		return shuttingDown("play").WithTarget(target)
	}
	return ctx.Err()
}

func shuttingDown(op string) *domain.Error {
	return domain.NewError(domain.KindShuttingDown, op, errors.New("controller is shutting down"))
}

func newSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
