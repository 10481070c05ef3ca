// Package control implements the playback core's control boundary
// (§6): a small net/http JSON surface for posting scripts and
// querying screens, plus an optional QUIC control channel for
// lower-latency script pushes from a co-located fleet-management
// tool. Neither is a playback concern; both are thin translators onto
// runner.Runner, display.Driver, and cache.Cache.
package control

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"
	"golang.org/x/sync/errgroup"

	"github.com/pivid/pivid/cache"
	"github.com/pivid/pivid/certs"
	"github.com/pivid/pivid/display"
	"github.com/pivid/pivid/runner"
	"github.com/pivid/pivid/script"
)

// Config wires a Server to the rest of the process.
type Config struct {
	Addr     string // HTTP/JSON listen address, e.g. ":4480"
	QUICAddr string // QUIC control listen address; empty disables it
	Cert     *certs.CertInfo

	Runner *runner.Runner
	Driver display.Driver
	Cache  *cache.Cache

	// Quit is called when a client requests graceful shutdown via
	// POST /quit or a QUIC "quit" command (§6 "Exit conditions").
	Quit func()

	Log *slog.Logger
}

// Server is the control boundary's production implementation.
type Server struct {
	cfg     Config
	log     *slog.Logger
	httpSrv *http.Server
}

// NewServer creates a Server. Call Start to begin serving.
func NewServer(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Server{cfg: cfg, log: cfg.Log.With("component", "control")}
}

// Handler returns the HTTP handler for the JSON control surface, for
// tests that want to drive it with httptest without a real listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /play", s.handlePlay)
	mux.HandleFunc("GET /screens", s.handleScreens)
	mux.HandleFunc("GET /media/{path...}", s.handleMedia)
	mux.HandleFunc("POST /quit", s.handleQuit)
	return mux
}

// Start runs the HTTP control server, and the QUIC control channel if
// configured, until ctx is cancelled or either fails fatally.
func (s *Server) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	s.httpSrv = &http.Server{Addr: s.cfg.Addr, Handler: s.Handler()}
	if s.cfg.Cert != nil {
		s.httpSrv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{s.cfg.Cert.TLSCert}}
	}

	g.Go(func() error {
		s.log.Info("control HTTP listening", "addr", s.cfg.Addr)
		var err error
		if s.cfg.Cert != nil {
			err = s.httpSrv.ListenAndServeTLS("", "")
		} else {
			err = s.httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	})

	if s.cfg.QUICAddr != "" {
		if s.cfg.Cert == nil {
			return fmt.Errorf("control: QUIC control channel requires a certificate")
		}
		g.Go(func() error { return s.runQUIC(ctx) })
	}

	return g.Wait()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("control: encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	var doc script.Script
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.cfg.Runner.SetScript(r.Context(), doc); err != nil {
		s.log.Warn("rejected script", "err", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "playing"})
}

func (s *Server) handleScreens(w http.ResponseWriter, r *http.Request) {
	screens, err := s.cfg.Driver.ScanScreens(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, screens)
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	info, err := s.cfg.Cache.FileInfo(r.Context(), path)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleQuit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutting down"})
	if s.cfg.Quit != nil {
		s.cfg.Quit()
	}
}

// command is the JSON envelope accepted by both the HTTP boundary (as
// distinct routes) and the QUIC control channel (as a single stream
// payload), per §6: `{"op": "play"|"screens"|"quit", ...}`.
type command struct {
	Op     string         `json:"op"`
	Script *script.Script `json:"script,omitempty"`
}

func (s *Server) runQUIC(ctx context.Context) error {
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{s.cfg.Cert.TLSCert},
		NextProtos:   []string{"pivid-control"},
	}
	ln, err := quic.ListenAddr(s.cfg.QUICAddr, tlsConf, &quic.Config{MaxIdleTimeout: 30 * time.Second})
	if err != nil {
		return fmt.Errorf("control: quic listen: %w", err)
	}
	defer ln.Close()
	s.log.Info("control QUIC listening", "addr", s.cfg.QUICAddr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("control: quic accept: %w", err)
		}
		go s.handleQUICConn(ctx, conn)
	}
}

// handleQUICConn serves exactly one QUIC stream per connection (§6),
// reading one JSON command and writing one JSON response.
func (s *Server) handleQUICConn(ctx context.Context, conn quic.Connection) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		s.log.Warn("control: quic accept stream", "err", err)
		return
	}
	defer stream.Close()

	var cmd command
	if err := json.NewDecoder(stream).Decode(&cmd); err != nil {
		s.writeQUICError(stream, err)
		return
	}

	resp, err := s.dispatch(ctx, cmd)
	if err != nil {
		s.writeQUICError(stream, err)
		return
	}
	if err := json.NewEncoder(stream).Encode(resp); err != nil {
		s.log.Warn("control: quic encode response", "err", err)
	}
}

func (s *Server) writeQUICError(w io.Writer, err error) {
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func (s *Server) dispatch(ctx context.Context, cmd command) (any, error) {
	switch cmd.Op {
	case "play":
		if cmd.Script == nil {
			return nil, fmt.Errorf("play command missing script")
		}
		if err := s.cfg.Runner.SetScript(ctx, *cmd.Script); err != nil {
			return nil, err
		}
		return map[string]string{"status": "playing"}, nil
	case "screens":
		return s.cfg.Driver.ScanScreens(ctx)
	case "quit":
		if s.cfg.Quit != nil {
			s.cfg.Quit()
		}
		return map[string]string{"status": "shutting down"}, nil
	default:
		return nil, fmt.Errorf("unknown op %q", cmd.Op)
	}
}
