package desktop

import (
	"context"
	"log/slog"
	"os/exec"
	"runtime"

	"github.com/godbus/dbus/v5"
)

// Desktop portal coordinates for OpenURI.
const (
	portalDest   = "org.freedesktop.portal.Desktop"
	portalPath   = dbus.ObjectPath("/org/freedesktop/portal/desktop")
	portalMethod = "org.freedesktop.portal.OpenURI.OpenURI"
)

type systemOpener struct {
	logger *slog.Logger
}

// SystemOpener returns the platform URL opener. On Linux it asks the
// desktop portal first and falls back to xdg-open.
func SystemOpener(logger *slog.Logger) Opener {
	return systemOpener{logger: logger}
}

func (o systemOpener) Open(ctx context.Context, uri string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.CommandContext(ctx, "open", uri).Run()
	case "windows":
		return exec.CommandContext(ctx, "rundll32", "url.dll,FileProtocolHandler", uri).Run()
	}
	if err := openViaPortal(ctx, uri); err != nil {
		o.logger.Debug("portal open failed, using xdg-open", "error", err)
		return exec.CommandContext(ctx, "xdg-open", uri).Run()
	}
	return nil
}

func openViaPortal(ctx context.Context, uri string) error {
	conn, err := dbus.SessionBus()
	if err != nil {
		return err
	}
	obj := conn.Object(portalDest, portalPath)
	call := obj.CallWithContext(ctx, portalMethod, 0, "", uri, map[string]dbus.Variant{})
	return call.Err
}
