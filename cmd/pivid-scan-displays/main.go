// Command pivid-scan-displays prints the screens and modes a display
// driver reports, against this repository's display.Driver abstraction
// rather than a direct KMS enumeration.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pivid/pivid/clock"
	"github.com/pivid/pivid/display"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "***", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	spec := "HDMI-1:1920x1080@60"
	if len(args) > 0 {
		spec = args[0]
	}
	screens, err := parseScreens(spec)
	if err != nil {
		return err
	}

	driver := display.NewSoftware(clock.NewSystem(), screens, nil)
	scanned, err := driver.ScanScreens(context.Background())
	if err != nil {
		return fmt.Errorf("scan screens: %w", err)
	}

	fmt.Printf("## software display driver (%d screen(s))\n", len(scanned))
	for _, screen := range scanned {
		state := "[no connection]"
		if screen.Detected {
			state = "[connected]"
		}
		fmt.Printf("Screen #%-3d %s %s\n", screen.ID, screen.ConnectorName, state)
		for _, mode := range screen.Modes {
			active := ""
			if screen.ActiveMode != nil && mode.Equal(*screen.ActiveMode) {
				active = " [ACTIVE]"
			}
			fmt.Printf("  %s%s\n", describeMode(mode), active)
		}
		fmt.Println()
	}
	return nil
}

func describeMode(m display.DisplayMode) string {
	name := m.Name
	if name == "" {
		name = fmt.Sprintf("%dx%d", m.Width, m.Height)
	}
	return fmt.Sprintf("%s @ %.2fHz", name, m.NominalHz)
}

// parseScreens parses a comma-separated "CONNECTOR:WxH@Hz" list, the same
// format cmd/pividd accepts via PIVID_SCREENS, so the two tools agree on
// what a given simulated fleet looks like.
func parseScreens(spec string) ([]display.Screen, error) {
	var screens []display.Screen
	for i, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		connector, modeStr, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("expected CONNECTOR:WxH@Hz, got %q", entry)
		}
		dims, hzStr, ok := strings.Cut(modeStr, "@")
		if !ok {
			return nil, fmt.Errorf("expected WxH@Hz, got %q", modeStr)
		}
		wStr, hStr, ok := strings.Cut(dims, "x")
		if !ok {
			return nil, fmt.Errorf("expected WxH, got %q", dims)
		}
		w, err := strconv.Atoi(wStr)
		if err != nil {
			return nil, fmt.Errorf("width: %w", err)
		}
		h, err := strconv.Atoi(hStr)
		if err != nil {
			return nil, fmt.Errorf("height: %w", err)
		}
		hz, err := strconv.ParseFloat(hzStr, 64)
		if err != nil {
			return nil, fmt.Errorf("hz: %w", err)
		}
		mode := display.DisplayMode{Width: w, Height: h, NominalHz: hz, Name: fmt.Sprintf("%dx%d@%g", w, h, hz)}
		screens = append(screens, display.Screen{
			ID: uint32(i + 1), ConnectorName: connector, Detected: true,
			ActiveMode: &mode, Modes: []display.DisplayMode{mode},
		})
	}
	return screens, nil
}
