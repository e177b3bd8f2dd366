// Package mediaserver exposes exactly one local file over HTTP on an
// ephemeral port for as long as a renderer needs to pull it.
package mediaserver

import (
	"errors"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"go2tv.app/sonosplay/internal/domain"
)

const (
	readHeaderTimeout = 10 * time.Second

	dlnaContentFeatures = "DLNA.ORG_OP=01;DLNA.ORG_CI=0;DLNA.ORG_FLAGS=01700000000000000000000000000000"
)

type Options struct {
	// BindHost is the interface to listen on. Empty means all interfaces.
	BindHost string
	// AdvertiseHost overrides the host placed in served URLs.
	AdvertiseHost string
	Logger        *zap.Logger
}

// Server serves one file at a time. It is safe for concurrent use; Stop may
// be called from any goroutine, including while Start runs elsewhere.
type Server struct {
	bindHost      string
	advertiseHost string
	logger        *zap.Logger

	mu       sync.Mutex
	srv      *http.Server
	done     chan struct{}
	url      string
	file     domain.MediaFile
	requests int
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Server{
		bindHost:      opts.BindHost,
		advertiseHost: opts.AdvertiseHost,
		logger:        logger,
	}
}

// Start serves file and returns its URL. See StartFor.
func (s *Server) Start(file domain.MediaFile) (string, error) {
	return s.StartFor(file, "")
}

// StartFor serves file and returns a URL reachable from peerAddress, the
// renderer that will fetch it. A running session is stopped first. On error
// nothing is left listening.
func (s *Server) StartFor(file domain.MediaFile, peerAddress string) (_ string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()

	host, err := resolveHost(s.advertiseHost, peerAddress)
	if err != nil {
		return "", domain.NewError(domain.KindAddressResolution, "serve", err).WithFile(file.Path)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(s.bindHost, "0"))
	if err != nil {
		return "", domain.NewError(domain.KindBind, "serve", err).WithFile(file.Path)
	}
	defer func() {
		if err != nil {
			_ = ln.Close()
		}
	}()

	tcpAddr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return "", domain.NewError(domain.KindBind, "serve", errors.New("listener has no TCP address")).WithFile(file.Path)
	}

	route := "/" + url.PathEscape(file.Name)
	mediaURL := "http://" + net.JoinHostPort(host, strconv.Itoa(tcpAddr.Port)) + route

	srv := &http.Server{
		Handler:           s.handler(file),
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          zap.NewStdLog(s.logger.Named("http")),
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if serveErr := srv.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			s.logger.Warn("media_server_serve_failed", zap.Error(serveErr))
		}
	}()

	s.srv = srv
	s.done = done
	s.url = mediaURL
	s.file = file
	s.requests = 0

	s.logger.Info("media_server_started",
		zap.String("url", mediaURL),
		zap.String("listen", ln.Addr().String()),
		zap.String("file", file.Path),
	)
	return mediaURL, nil
}

// Stop closes the listener and every open connection and waits until the
// serve loop has exited, so the port is free on return. Stopping a stopped
// server does nothing.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Server) stopLocked() {
	if s.srv == nil {
		return
	}

	if err := s.srv.Close(); err != nil {
		s.logger.Debug("media_server_close_failed", zap.Error(err))
	}
	<-s.done

	s.logger.Info("media_server_stopped",
		zap.String("url", s.url),
		zap.Int("requests", s.requests),
	)
	s.srv = nil
	s.done = nil
	s.url = ""
	s.file = domain.MediaFile{}
}

// URL returns the URL of the running session, or "" when stopped.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.srv != nil
}

func (s *Server) countRequest() {
	s.mu.Lock()
	s.requests++
	s.mu.Unlock()
}

func (s *Server) handler(file domain.MediaFile) http.Handler {
	path := "/" + file.Name
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != path {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}

		f, err := os.Open(file.Path)
		if err != nil {
			s.logger.Warn("media_file_open_failed", zap.String("file", file.Path), zap.Error(err))
			http.NotFound(w, r)
			return
		}
		defer f.Close()

		modTime := file.ModTime
		if info, statErr := f.Stat(); statErr == nil {
			modTime = info.ModTime()
		}

		s.countRequest()
		s.logger.Debug("media_request",
			zap.String("method", r.Method),
			zap.String("remote", r.RemoteAddr),
			zap.String("range", r.Header.Get("Range")),
		)

		w.Header().Set("Content-Type", contentType)
		if r.Header.Get("getcontentFeatures.dlna.org") != "" {
			w.Header().Set("contentFeatures.dlna.org", dlnaContentFeatures)
		}
		if mode := r.Header.Get("transferMode.dlna.org"); mode != "" {
			w.Header().Set("transferMode.dlna.org", mode)
		} else if r.Header.Get("getcontentFeatures.dlna.org") != "" {
			w.Header().Set("transferMode.dlna.org", "Streaming")
		}

		http.ServeContent(w, r, file.Name, modTime, f)
	})
}
