package clipboard

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/atotto/clipboard"
)

// ErrNoImageTool is returned when no image clipboard helper is installed.
var ErrNoImageTool = errors.New("clipboard: no image clipboard tool available")

type systemAccessor struct{}

// System returns the OS clipboard.
func System() Accessor { return systemAccessor{} }

func (systemAccessor) ReadText() (string, error) {
	return clipboard.ReadAll()
}

func (systemAccessor) WriteText(text string) error {
	return clipboard.WriteAll(text)
}

func (systemAccessor) WriteImage(data []byte) error {
	switch runtime.GOOS {
	case "linux", "freebsd", "openbsd", "netbsd":
		return writeImageUnix(data)
	case "darwin":
		return writeImageViaFile(data, func(p string) *exec.Cmd {
			return exec.Command("osascript", "-e",
				fmt.Sprintf(`set the clipboard to (read (POSIX file %q) as «class PNGf»)`, p))
		})
	case "windows":
		return writeImageViaFile(data, func(p string) *exec.Cmd {
			return exec.Command("powershell", "-NoProfile", "-STA", "-Command",
				"Add-Type -AssemblyName System.Windows.Forms,System.Drawing; "+
					fmt.Sprintf("[Windows.Forms.Clipboard]::SetImage([Drawing.Image]::FromFile('%s'))", p))
		})
	}
	return ErrNoImageTool
}

// writeImageUnix pipes PNG data into wl-copy or xclip.
func writeImageUnix(data []byte) error {
	candidates := [][]string{
		{"wl-copy", "--type", "image/png"},
		{"xclip", "-selection", "clipboard", "-t", "image/png", "-i"},
	}
	if os.Getenv("WAYLAND_DISPLAY") == "" {
		candidates[0], candidates[1] = candidates[1], candidates[0]
	}
	for _, argv := range candidates {
		if _, err := exec.LookPath(argv[0]); err != nil {
			continue
		}
		cmd := exec.Command(argv[0], argv[1:]...)
		cmd.Stdin = bytes.NewReader(data)
		return cmd.Run()
	}
	return ErrNoImageTool
}

func writeImageViaFile(data []byte, command func(path string) *exec.Cmd) error {
	f, err := os.CreateTemp("", "drawhost-clip-*.png")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return command(f.Name()).Run()
}
