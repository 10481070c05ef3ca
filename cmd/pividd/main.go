package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pivid/pivid/cache"
	"github.com/pivid/pivid/certs"
	"github.com/pivid/pivid/clock"
	"github.com/pivid/pivid/control"
	"github.com/pivid/pivid/decode"
	"github.com/pivid/pivid/display"
	"github.com/pivid/pivid/runner"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("PIVID_DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("generating self-signed certificate")
	cert, err := certs.Generate(14 * 24 * time.Hour)
	if err != nil {
		slog.Error("failed to generate cert", "error", err)
		os.Exit(1)
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	httpAddr := envOr("PIVID_HTTP_ADDR", ":4480")
	quicAddr := envOr("PIVID_QUIC_ADDR", "") // empty disables the QUIC control channel
	byteBudget := envOrInt64("PIVID_CACHE_BYTES", 256<<20)

	clk := clock.NewSystem()
	driver := display.NewSoftware(clk, defaultScreens(), nil)

	c := cache.NewCache(byteBudget, func(ctx context.Context, path string) (decode.Decoder, error) {
		return decode.Open(ctx, path, driver, nil)
	}, nil)
	defer c.Close()

	r := runner.New(clk, driver, c, nil)

	slog.Info("pividd starting",
		"version", version,
		"http", httpAddr,
		"quic", quicAddr,
		"cert_hash", cert.FingerprintBase64(),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		r.Run(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		r.Close()
		return nil
	})

	ctrl := control.NewServer(control.Config{
		Addr:     httpAddr,
		QUICAddr: quicAddr,
		Cert:     cert,
		Runner:   r,
		Driver:   driver,
		Cache:    c,
		Quit:     cancel,
	})
	g.Go(func() error {
		if err := ctrl.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("pividd error", "error", err)
		os.Exit(1)
	}
}

// defaultScreens builds the fixed screen set display.NewSoftware simulates
// (it has no real hotplug source to discover screens from). PIVID_SCREENS
// overrides the built-in single-screen default with a comma-separated list
// of "connector:WxH@Hz" entries, e.g. "HDMI-1:1920x1080@60,HDMI-2:3840x2160@30".
func defaultScreens() []display.Screen {
	spec := envOr("PIVID_SCREENS", "HDMI-1:1920x1080@60")
	var screens []display.Screen
	for i, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		screen, err := parseScreenSpec(uint32(i+1), entry)
		if err != nil {
			slog.Error("ignoring malformed PIVID_SCREENS entry", "entry", entry, "error", err)
			continue
		}
		screens = append(screens, screen)
	}
	return screens
}

func parseScreenSpec(id uint32, entry string) (display.Screen, error) {
	connector, modeStr, ok := strings.Cut(entry, ":")
	if !ok {
		return display.Screen{}, fmt.Errorf("expected CONNECTOR:WxH@Hz, got %q", entry)
	}
	dims, hzStr, ok := strings.Cut(modeStr, "@")
	if !ok {
		return display.Screen{}, fmt.Errorf("expected WxH@Hz, got %q", modeStr)
	}
	wStr, hStr, ok := strings.Cut(dims, "x")
	if !ok {
		return display.Screen{}, fmt.Errorf("expected WxH, got %q", dims)
	}
	w, err := strconv.Atoi(wStr)
	if err != nil {
		return display.Screen{}, fmt.Errorf("width: %w", err)
	}
	h, err := strconv.Atoi(hStr)
	if err != nil {
		return display.Screen{}, fmt.Errorf("height: %w", err)
	}
	hz, err := strconv.ParseFloat(hzStr, 64)
	if err != nil {
		return display.Screen{}, fmt.Errorf("hz: %w", err)
	}
	mode := display.DisplayMode{Width: w, Height: h, NominalHz: hz, Name: fmt.Sprintf("%dx%d@%g", w, h, hz)}
	return display.Screen{ID: id, ConnectorName: connector, Detected: true, ActiveMode: &mode, Modes: []display.DisplayMode{mode}}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
