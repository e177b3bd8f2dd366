package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"go2tv.app/go2tv/v2/soapcalls"
	"go2tv.app/sonosplay/internal/adapters"
	"go2tv.app/sonosplay/internal/domain"
)

const DefaultCommandTimeout = 5 * time.Second

// UPnP AVTransport error 701: the requested transition is not available.
var upnpTransitionUnavailable = regexp.MustCompile(`\b701\b`)

// stopPlaceholderMedia names the media of a control channel that is only
// opened to send Stop. go2tv requires a media path for every payload.
const stopPlaceholderMedia = "stop"

// Commander sends transport commands to a target through the capability that
// matches its protocol. It keeps one control channel per target between play
// and stop. Commands are never retried.
type Commander struct {
	castFactory adapters.CastFactory
	dlnaFactory adapters.DLNAFactory
	timeout     time.Duration
	logger      *zap.Logger

	mu   sync.Mutex
	dlna map[string]adapters.DLNAPayload
	cast map[string]adapters.CastClient
}

func NewCommander(castFactory adapters.CastFactory, dlnaFactory adapters.DLNAFactory, timeout time.Duration, logger *zap.Logger) *Commander {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Commander{
		castFactory: castFactory,
		dlnaFactory: dlnaFactory,
		timeout:     timeout,
		logger:      logger,
		dlna:        make(map[string]adapters.DLNAPayload),
		cast:        make(map[string]adapters.CastClient),
	}
}

// SendPlay points target at mediaURL and starts playback.
func (c *Commander) SendPlay(ctx context.Context, target domain.Target, mediaURL string, media domain.MediaFile) error {
	if strings.TrimSpace(mediaURL) == "" {
		return domain.NewError(domain.KindInvalidRequest, "play", errors.New("media URL is empty")).WithTarget(target)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var err error
	switch target.Protocol {
	case domain.ProtocolDLNA:
		err = c.playDLNA(ctx, target, mediaURL, media)
	case domain.ProtocolChromecast:
		err = c.playChromecast(ctx, target, mediaURL, media)
	default:
		return unsupportedProtocolError("play", target)
	}
	if err != nil {
		classified := classifyCommandError(ctx, "play", target, err)
		c.logger.Warn("play_command_failed",
			zap.String("target", target.Label()),
			zap.String("protocol", target.Protocol),
			zap.String("kind", string(classified.Kind)),
			zap.Error(err),
		)
		return classified
	}

	c.logger.Info("play_command_sent",
		zap.String("target", target.Label()),
		zap.String("protocol", target.Protocol),
		zap.String("url", mediaURL),
		zap.String("title", media.Title),
	)
	return nil
}

func (c *Commander) playDLNA(ctx context.Context, target domain.Target, mediaURL string, media domain.MediaFile) error {
	if c.dlnaFactory == nil {
		return errors.New("DLNA adapter is not configured")
	}
	c.releaseDLNA(target.ID)

	var payload adapters.DLNAPayload
	err := runBounded(ctx, func() error {
		var err error
		payload, err = c.dlnaFactory.NewTVPayload(&soapcalls.Options{
			Ctx:   ctx,
			DMR:   target.Address,
			Media: media.Path,
			Mtype: media.ContentType,
			Seek:  true,
		})
		if err != nil {
			return fmt.Errorf("initialize DLNA payload: %w", err)
		}

		payload.SetContext(ctx)
		payload.SetMediaURL(mediaURL)
		return payload.SendtoTV("Play1")
	}, func(err error) {
		if err != nil || payload == nil {
			return
		}
		stopCtx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		payload.SetContext(stopCtx)
		stopErr := payload.SendtoTV("Stop")
		c.logger.Warn("late_play_reverted",
			zap.String("target", target.Label()),
			zap.String("protocol", target.Protocol),
			zap.NamedError("stop_error", stopErr),
		)
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.dlna[target.ID] = payload
	c.mu.Unlock()
	return nil
}

func (c *Commander) playChromecast(ctx context.Context, target domain.Target, mediaURL string, media domain.MediaFile) error {
	if c.castFactory == nil {
		return errors.New("chromecast adapter is not configured")
	}
	c.releaseCast(target.ID)

	var client adapters.CastClient
	err := runBounded(ctx, func() error {
		var err error
		client, err = c.castFactory.NewCastClient(target.Address)
		if err != nil {
			return fmt.Errorf("create Chromecast client: %w", err)
		}
		if err := client.Connect(); err != nil {
			_ = client.Close(false)
			return fmt.Errorf("connect: %w", err)
		}
		if err := client.Load(mediaURL, media.ContentType); err != nil {
			_ = client.Close(true)
			return fmt.Errorf("load: %w", err)
		}
		return nil
	}, func(err error) {
		if err != nil || client == nil {
			return
		}
		closeErr := client.Close(true)
		c.logger.Warn("late_play_reverted",
			zap.String("target", target.Label()),
			zap.String("protocol", target.Protocol),
			zap.NamedError("close_error", closeErr),
		)
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.cast[target.ID] = client
	c.mu.Unlock()
	return nil
}

// SendStop stops playback on target and releases its control channel. A
// device that reports it is already stopped is not an error.
func (c *Commander) SendStop(ctx context.Context, target domain.Target) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var err error
	switch target.Protocol {
	case domain.ProtocolDLNA:
		err = c.stopDLNA(ctx, target)
	case domain.ProtocolChromecast:
		err = c.stopChromecast(ctx, target)
	default:
		return unsupportedProtocolError("stop", target)
	}
	if err == nil {
		c.logger.Info("stop_command_sent", zap.String("target", target.Label()))
		return nil
	}
	if isAlreadyStopped(err) {
		c.logger.Warn("stop_command_already_stopped",
			zap.String("target", target.Label()),
			zap.Error(err),
		)
		return nil
	}

	classified := classifyCommandError(ctx, "stop", target, err)
	c.logger.Warn("stop_command_failed",
		zap.String("target", target.Label()),
		zap.String("kind", string(classified.Kind)),
		zap.Error(err),
	)
	return classified
}

func (c *Commander) stopDLNA(ctx context.Context, target domain.Target) error {
	c.mu.Lock()
	payload := c.dlna[target.ID]
	delete(c.dlna, target.ID)
	c.mu.Unlock()

	return runBounded(ctx, func() error {
		if payload == nil {
			if c.dlnaFactory == nil {
				return errors.New("DLNA adapter is not configured")
			}
			var err error
			payload, err = c.dlnaFactory.NewTVPayload(&soapcalls.Options{
				Ctx:   ctx,
				DMR:   target.Address,
				Media: stopPlaceholderMedia,
			})
			if err != nil {
				return fmt.Errorf("initialize DLNA payload: %w", err)
			}
		}
		payload.SetContext(ctx)
		return payload.SendtoTV("Stop")
	}, nil)
}

func (c *Commander) stopChromecast(ctx context.Context, target domain.Target) error {
	c.mu.Lock()
	client := c.cast[target.ID]
	delete(c.cast, target.ID)
	c.mu.Unlock()

	return runBounded(ctx, func() error {
		if client == nil {
			if c.castFactory == nil {
				return errors.New("chromecast adapter is not configured")
			}
			var err error
			client, err = c.castFactory.NewCastClient(target.Address)
			if err != nil {
				return fmt.Errorf("create Chromecast client: %w", err)
			}
			if err := client.Connect(); err != nil {
				_ = client.Close(false)
				return fmt.Errorf("connect: %w", err)
			}
		}

		stopErr := client.Stop()
		if err := client.Close(false); err != nil {
			c.logger.Debug("chromecast_close_failed", zap.String("target", target.Label()), zap.Error(err))
		}
		return stopErr
	}, nil)
}

// TransportState reports the normalized transport state of target:
// playing, paused, stopped, buffering or idle.
func (c *Commander) TransportState(ctx context.Context, target domain.Target) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var state string
	var err error
	switch target.Protocol {
	case domain.ProtocolDLNA:
		c.mu.Lock()
		payload := c.dlna[target.ID]
		c.mu.Unlock()
		if payload == nil {
			return "idle", nil
		}
		err = runBounded(ctx, func() error {
			payload.SetContext(ctx)
			info, err := payload.GetTransportInfo()
			if err != nil {
				return err
			}
			if len(info) > 0 {
				state = normalizeTransportState(info[0])
			}
			return nil
		}, nil)
	case domain.ProtocolChromecast:
		c.mu.Lock()
		client := c.cast[target.ID]
		c.mu.Unlock()
		if client == nil {
			return "idle", nil
		}
		err = runBounded(ctx, func() error {
			raw, err := client.PlayerState()
			if err != nil {
				return err
			}
			state = normalizeTransportState(raw)
			return nil
		}, nil)
	default:
		return "", unsupportedProtocolError("transport_state", target)
	}
	if err != nil {
		return "", classifyCommandError(ctx, "transport_state", target, err)
	}
	return state, nil
}

// Release drops the control channel of target without sending a command.
// It is used when the device already ended playback on its own.
func (c *Commander) Release(target domain.Target) {
	c.releaseDLNA(target.ID)
	c.releaseCast(target.ID)
}

// Close releases every control channel without sending further commands.
func (c *Commander) Close() error {
	c.mu.Lock()
	clients := c.cast
	c.cast = make(map[string]adapters.CastClient)
	c.dlna = make(map[string]adapters.DLNAPayload)
	c.mu.Unlock()

	var errs []error
	for id, client := range clients {
		if err := client.Close(false); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Commander) releaseDLNA(targetID string) {
	c.mu.Lock()
	delete(c.dlna, targetID)
	c.mu.Unlock()
}

func (c *Commander) releaseCast(targetID string) {
	c.mu.Lock()
	client := c.cast[targetID]
	delete(c.cast, targetID)
	c.mu.Unlock()

	if client != nil {
		_ = client.Close(false)
	}
}

// runBounded runs call and gives up when ctx ends. The device libraries take
// no context on most calls, so an abandoned call finishes in the background;
// abandoned, if set, then runs with the call's result to undo its effect.
func runBounded(ctx context.Context, call func() error, abandoned func(error)) error {
	done := make(chan error, 1)
	go func() {
		done <- call()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if abandoned != nil {
			go func() {
				abandoned(<-done)
			}()
		}
		return ctx.Err()
	}
}

func classifyCommandError(ctx context.Context, op string, target domain.Target, err error) *domain.Error {
	kind := domain.KindRejected
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || isTransientNetworkError(err) {
		kind = domain.KindUnreachable
	}
	return domain.NewError(kind, op, err).WithTarget(target)
}

func unsupportedProtocolError(op string, target domain.Target) *domain.Error {
	return domain.NewError(domain.KindRejected, op, fmt.Errorf("unsupported protocol %q", target.Protocol)).WithTarget(target)
}

func isTransientNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"temporar",
		"connection reset",
		"connection refused",
		"broken pipe",
		"unexpected eof",
		"network is unreachable",
		"no route to host",
		"no such host",
		"tls handshake timeout",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func isAlreadyStopped(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if upnpTransitionUnavailable.MatchString(msg) {
		return true
	}
	for _, pattern := range []string{
		"transition not available",
		"no media session",
		"no_media_present",
		"not playing",
		"invalid media session",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func normalizeTransportState(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "_")
	switch s {
	case "playing":
		return "playing"
	case "paused", "paused_playback":
		return "paused"
	case "stopped", "no_media_present", "finished":
		return "stopped"
	case "buffering", "transitioning", "loading":
		return "buffering"
	case "idle", "":
		return "idle"
	default:
		return s
	}
}
