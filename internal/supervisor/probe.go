package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/xfeldman/sboxd/internal/kconfig"
)

var pathController = kconfig.ParsePath("experimental.clash_api.external_controller")

// ControllerProbe returns a readiness probe that passes once the kernel's
// clash API controller accepts TCP connections. The address is read from the
// config at configPath on every call; fallback is used when it names none.
func ControllerProbe(configPath, fallback string) func(context.Context) error {
	return func(ctx context.Context) error {
		addr := fallback
		if doc, err := kconfig.Load(configPath); err == nil {
			if v, ok := doc.Get(pathController); ok {
				if s, ok := v.(string); ok && s != "" {
					addr = s
				}
			}
		}
		if addr == "" {
			return errors.New("no external controller configured")
		}
		addr, err := dialAddr(addr)
		if err != nil {
			return err
		}

		d := net.Dialer{Timeout: 250 * time.Millisecond}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// dialAddr turns a listen address into one that can be dialed locally.
func dialAddr(listen string) (string, error) {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "", fmt.Errorf("external controller %q: %w", listen, err)
	}
	switch host {
	case "", "0.0.0.0":
		host = "127.0.0.1"
	case "::":
		host = "::1"
	}
	return net.JoinHostPort(host, port), nil
}
