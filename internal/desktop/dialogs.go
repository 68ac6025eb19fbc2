package desktop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// ErrNoDialogTool is returned when no dialog helper is installed.
var ErrNoDialogTool = errors.New("desktop: no dialog tool available")

// commandDialogs runs a helper program per dialog: zenity on Linux and BSD,
// osascript on macOS, PowerShell on Windows.
type commandDialogs struct {
	goos string
	run  func(ctx context.Context, argv []string) (string, int, error)
}

// SystemDialogs returns the platform dialog implementation.
func SystemDialogs() Dialogs {
	return commandDialogs{goos: runtime.GOOS, run: runCommand}
}

func runCommand(ctx context.Context, argv []string) (string, int, error) {
	if _, err := exec.LookPath(argv[0]); err != nil {
		return "", -1, fmt.Errorf("%w: %s", ErrNoDialogTool, argv[0])
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out.String(), exitErr.ExitCode(), nil
	}
	if err != nil {
		return "", -1, err
	}
	return out.String(), 0, nil
}

func (d commandDialogs) Open(ctx context.Context, opts OpenOptions) ([]string, error) {
	out, code, err := d.run(ctx, openArgv(d.goos, opts))
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, nil
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimRight(line, "\r"); line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}

func (d commandDialogs) Save(ctx context.Context, opts SaveOptions) (string, error) {
	out, code, err := d.run(ctx, saveArgv(d.goos, opts))
	if err != nil || code != 0 {
		return "", err
	}
	return strings.TrimRight(out, "\r\n"), nil
}

func (d commandDialogs) Error(title, message string) {
	d.run(context.Background(), errorArgv(d.goos, title, message))
}

func zenityFilters(filters []FileFilter) []string {
	var args []string
	for _, f := range filters {
		var globs []string
		for _, ext := range f.Extensions {
			if ext == "*" {
				globs = append(globs, "*")
				continue
			}
			globs = append(globs, "*."+strings.TrimPrefix(ext, "."))
		}
		args = append(args, fmt.Sprintf("--file-filter=%s | %s", f.Name, strings.Join(globs, " ")))
	}
	return args
}

func psFilter(filters []FileFilter) string {
	var parts []string
	for _, f := range filters {
		var globs []string
		for _, ext := range f.Extensions {
			globs = append(globs, "*."+strings.TrimPrefix(ext, "."))
		}
		g := strings.Join(globs, ";")
		parts = append(parts, f.Name+"|"+g)
	}
	return strings.Join(parts, "|")
}

func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func openArgv(goos string, opts OpenOptions) []string {
	switch goos {
	case "darwin":
		kind := "file"
		if opts.Has("openDirectory") {
			kind = "folder"
		}
		script := fmt.Sprintf("POSIX path of (choose %s with prompt %q", kind, opts.Title)
		if opts.Has("multiSelections") {
			script = fmt.Sprintf("set fs to (choose %s with prompt %q with multiple selections allowed)\n"+
				"set out to \"\"\nrepeat with f in fs\nset out to out & POSIX path of f & linefeed\nend repeat\nreturn out",
				kind, opts.Title)
		} else {
			script += ")"
		}
		return []string{"osascript", "-e", script}
	case "windows":
		ps := "Add-Type -AssemblyName System.Windows.Forms; $d = New-Object Windows.Forms.OpenFileDialog; " +
			"$d.Title = " + psQuote(opts.Title) + "; "
		if f := psFilter(opts.Filters); f != "" {
			ps += "$d.Filter = " + psQuote(f) + "; "
		}
		if opts.Has("multiSelections") {
			ps += "$d.Multiselect = $true; "
		}
		ps += "if ($d.ShowDialog() -eq 'OK') { $d.FileNames -join \"`n\" } else { exit 1 }"
		return []string{"powershell", "-NoProfile", "-STA", "-Command", ps}
	}
	argv := []string{"zenity", "--file-selection", "--title=" + opts.Title}
	if opts.DefaultPath != "" {
		argv = append(argv, "--filename="+opts.DefaultPath)
	}
	if opts.Has("openDirectory") {
		argv = append(argv, "--directory")
	}
	if opts.Has("multiSelections") {
		argv = append(argv, "--multiple", "--separator=\n")
	}
	return append(argv, zenityFilters(opts.Filters)...)
}

func saveArgv(goos string, opts SaveOptions) []string {
	switch goos {
	case "darwin":
		script := fmt.Sprintf("POSIX path of (choose file name with prompt %q", opts.Title)
		if opts.DefaultPath != "" {
			script += fmt.Sprintf(" default name %q", lastElem(opts.DefaultPath))
		}
		return []string{"osascript", "-e", script + ")"}
	case "windows":
		ps := "Add-Type -AssemblyName System.Windows.Forms; $d = New-Object Windows.Forms.SaveFileDialog; " +
			"$d.Title = " + psQuote(opts.Title) + "; $d.FileName = " + psQuote(opts.DefaultPath) + "; "
		if f := psFilter(opts.Filters); f != "" {
			ps += "$d.Filter = " + psQuote(f) + "; "
		}
		ps += "if ($d.ShowDialog() -eq 'OK') { $d.FileName } else { exit 1 }"
		return []string{"powershell", "-NoProfile", "-STA", "-Command", ps}
	}
	argv := []string{"zenity", "--file-selection", "--save", "--confirm-overwrite", "--title=" + opts.Title}
	if opts.DefaultPath != "" {
		argv = append(argv, "--filename="+opts.DefaultPath)
	}
	return append(argv, zenityFilters(opts.Filters)...)
}

func errorArgv(goos, title, message string) []string {
	switch goos {
	case "darwin":
		return []string{"osascript", "-e",
			fmt.Sprintf("display alert %q message %q as critical", title, message)}
	case "windows":
		return []string{"powershell", "-NoProfile", "-Command",
			"Add-Type -AssemblyName System.Windows.Forms; [Windows.Forms.MessageBox]::Show(" +
				psQuote(message) + ", " + psQuote(title) + ")"}
	}
	return []string{"zenity", "--error", "--title=" + title, "--text=" + message}
}

func lastElem(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}
