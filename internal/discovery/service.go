package discovery

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"go2tv.app/go2tv/v2/devices"
	"go2tv.app/sonosplay/internal/adapters"
	"go2tv.app/sonosplay/internal/domain"
)

const (
	DefaultScanTimeout           = 5 * time.Second
	defaultDiscoveryDelaySeconds = 1
	maxPerAttemptTimeout         = 3 * time.Second
	scanGrace                    = 750 * time.Millisecond
)

// Service turns go2tv's loop-style discovery into a blocking, bounded scan.
type Service struct {
	adapter adapters.Discovery
	loopCtx context.Context
	logger  *zap.Logger
	once    sync.Once
}

func NewService(adapter adapters.Discovery, loopCtx context.Context, logger *zap.Logger) *Service {
	if loopCtx == nil {
		loopCtx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		adapter: adapter,
		loopCtx: loopCtx,
		logger:  logger,
	}
}

type scanResult struct {
	devices []devices.Device
	err     error
}

// Scan returns the targets that answered within timeout, in arrival order.
// No targets is an empty list, never an error. The call returns no later than
// timeout plus a short grace period even if the underlying search hangs.
func (s *Service) Scan(ctx context.Context, timeout time.Duration) ([]domain.Target, error) {
	if s.adapter == nil {
		return nil, domain.NewError(domain.KindDiscovery, "scan", errors.New("discovery adapter is not configured"))
	}
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}

	s.once.Do(func() {
		s.adapter.StartChromecastDiscoveryLoop(s.loopCtx)
	})

	started := time.Now()
	resultCh := make(chan scanResult, 1)
	go func() {
		loaded, err := s.loadAllDevicesUntil(ctx, started.Add(timeout))
		resultCh <- scanResult{devices: loaded, err: err}
	}()

	hardStop := time.NewTimer(timeout + scanGrace)
	defer hardStop.Stop()

	select {
	case <-ctx.Done():
		return nil, domain.NewError(domain.KindDiscovery, "scan", ctx.Err())
	case <-hardStop.C:
		s.logger.Info("discovery_scan_timed_out", zap.Duration("timeout", timeout))
		return []domain.Target{}, nil
	case result := <-resultCh:
		if result.err != nil {
			if errors.Is(result.err, devices.ErrNoDeviceAvailable) {
				return []domain.Target{}, nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, domain.NewError(domain.KindDiscovery, "scan", ctxErr)
			}
			s.logger.Warn("discovery_scan_failed", zap.Error(result.err))
			return nil, domain.NewError(domain.KindDiscovery, "scan", result.err)
		}

		targets := normalizeDevices(result.devices)
		s.logger.Debug("discovery_scan_finished",
			zap.Int("targets", len(targets)),
			zap.Duration("elapsed", time.Since(started)),
		)
		return targets, nil
	}
}

func (s *Service) loadAllDevicesUntil(ctx context.Context, deadline time.Time) ([]devices.Device, error) {
	var lastErr error

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			if errors.Is(lastErr, devices.ErrNoDeviceAvailable) || lastErr == nil {
				return []devices.Device{}, nil
			}
			return nil, lastErr
		}

		attempt := remaining
		if attempt > maxPerAttemptTimeout {
			attempt = maxPerAttemptTimeout
		}

		loaded, err := s.adapter.LoadAllDevices(timeoutToDelaySeconds(attempt))
		if err == nil {
			if len(loaded) > 0 {
				return loaded, nil
			}
			return []devices.Device{}, nil
		}
		if !errors.Is(err, devices.ErrNoDeviceAvailable) {
			return nil, err
		}

		lastErr = err
	}
}

func timeoutToDelaySeconds(timeout time.Duration) int {
	seconds := int(math.Ceil(timeout.Seconds()))
	if seconds <= 0 {
		return defaultDiscoveryDelaySeconds
	}
	return seconds
}

// normalizeDevices keeps the first occurrence of each canonical address and
// preserves the order in which devices were reported.
func normalizeDevices(discovered []devices.Device) []domain.Target {
	result := make([]domain.Target, 0, len(discovered))
	seen := make(map[string]struct{}, len(discovered))
	for _, raw := range discovered {
		address := strings.TrimSpace(raw.Addr)
		if address == "" {
			continue
		}
		key := canonicalAddress(address)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		protocol := normalizeProtocol(raw.Type)
		result = append(result, domain.Target{
			ID:          stableID(protocol, address),
			Name:        strings.TrimSpace(raw.Name),
			Type:        strings.TrimSpace(raw.Type),
			Address:     address,
			Protocol:    protocol,
			IsAudioOnly: raw.IsAudioOnly,
		})
	}

	return result
}

func stableID(protocol, address string) string {
	canonical := fmt.Sprintf("%s|%s", protocol, canonicalAddress(address))
	sum := sha1.Sum([]byte(canonical))
	return "tgt_" + hex.EncodeToString(sum[:8])
}

func canonicalAddress(address string) string {
	parsed, err := url.Parse(address)
	if err != nil || parsed.Host == "" {
		return strings.ToLower(strings.TrimSpace(address))
	}

	host := strings.ToLower(parsed.Hostname())
	port := parsed.Port()
	if port == "" {
		if strings.EqualFold(parsed.Scheme, "https") {
			port = "443"
		} else {
			port = "80"
		}
	}

	path := strings.TrimSpace(strings.ToLower(parsed.EscapedPath()))
	if path == "" {
		path = "/"
	}

	return fmt.Sprintf("%s://%s:%s%s", strings.ToLower(parsed.Scheme), host, port, path)
}

func normalizeProtocol(kind string) string {
	lower := strings.ToLower(strings.TrimSpace(kind))
	if strings.Contains(lower, "chrome") {
		return domain.ProtocolChromecast
	}
	if strings.Contains(lower, "dlna") || lower == "" {
		return domain.ProtocolDLNA
	}
	return lower
}
