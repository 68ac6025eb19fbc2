package export

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// ErrSurfaceClosed is returned by calls on a destroyed surface.
var ErrSurfaceClosed = errors.New("export: rendering surface closed")

// helperExitTimeout bounds how long Destroy waits for the helper to exit
// after its stdin is closed.
const helperExitTimeout = 2 * time.Second

// ProcessSurface drives a renderer helper process over framed stdio. Calls
// are strictly sequential; each request waits for its response.
type ProcessSurface struct {
	mu      sync.Mutex
	r       io.Reader
	w       io.Writer
	nextID  uint64
	closed  bool
	closeFn func() error
	once    sync.Once
	err     error
	logger  *slog.Logger
}

// newStreamSurface wraps an established helper stream.
func newStreamSurface(r io.Reader, w io.Writer, closeFn func() error, logger *slog.Logger) *ProcessSurface {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessSurface{r: r, w: w, closeFn: closeFn, logger: logger}
}

// StartProcess launches the renderer helper. The helper's stderr is
// forwarded to the logger line by line.
func StartProcess(command string, args []string, logger *slog.Logger) (*ProcessSurface, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cmd := exec.Command(command, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("renderer stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("renderer stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("renderer stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start renderer %s: %w", command, err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.Debug("renderer", "line", scanner.Text())
		}
	}()

	closeFn := func() error {
		_ = stdin.Close()
		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()
		select {
		case err := <-done:
			return err
		case <-time.After(helperExitTimeout):
			_ = cmd.Process.Kill()
			return <-done
		}
	}
	logger.Debug("renderer started", "pid", cmd.Process.Pid)
	return newStreamSurface(stdout, stdin, closeFn, logger), nil
}

// ProcessFactory returns a factory that starts one helper per export.
func ProcessFactory(command string, args []string, logger *slog.Logger) SurfaceFactory {
	return func(ctx context.Context) (Surface, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return StartProcess(command, args, logger)
	}
}

func (s *ProcessSurface) call(ctx context.Context, req rendererRequest) (*rendererResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSurfaceClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.nextID++
	req.ID = s.nextID
	if err := writeFrame(s.w, req); err != nil {
		return nil, fmt.Errorf("renderer %s: %w", req.Op, err)
	}

	var resp rendererResponse
	if err := readFrame(s.r, &resp); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("renderer %s: helper exited", req.Op)
		}
		return nil, fmt.Errorf("renderer %s: %w", req.Op, err)
	}
	if resp.ID != req.ID {
		return nil, fmt.Errorf("renderer %s: response id %d, want %d", req.Op, resp.ID, req.ID)
	}
	if !resp.OK {
		return nil, fmt.Errorf("renderer %s: %s", req.Op, resp.Error)
	}
	return &resp, nil
}

func (s *ProcessSurface) Load(ctx context.Context, xml string) error {
	_, err := s.call(ctx, rendererRequest{Op: opLoad, XML: xml})
	return err
}

func (s *ProcessSurface) Render(ctx context.Context, req RenderRequest) (RenderResult, error) {
	resp, err := s.call(ctx, rendererRequest{Op: opRender, Render: &req})
	if err != nil {
		return RenderResult{}, err
	}
	if resp.Render == nil {
		return RenderResult{}, nil
	}
	return *resp.Render, nil
}

func (s *ProcessSurface) Resize(ctx context.Context, width, height int) error {
	_, err := s.call(ctx, rendererRequest{Op: opResize, Width: width, Height: height})
	return err
}

// Capture returns the surface bitmap, sent by the helper as PNG.
func (s *ProcessSurface) Capture(ctx context.Context) (image.Image, error) {
	resp, err := s.call(ctx, rendererRequest{Op: opCapture})
	if err != nil {
		return nil, err
	}
	img, err := png.Decode(bytes.NewReader(resp.Data))
	if err != nil {
		return nil, fmt.Errorf("decode capture: %w", err)
	}
	return img, nil
}

func (s *ProcessSurface) PrintToPDF(ctx context.Context, opts PrintOptions) ([]byte, error) {
	resp, err := s.call(ctx, rendererRequest{Op: opPrint, Print: &opts})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (s *ProcessSurface) SVG(ctx context.Context) (string, error) {
	resp, err := s.call(ctx, rendererRequest{Op: opSVG})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (s *ProcessSurface) XML(ctx context.Context) (string, error) {
	resp, err := s.call(ctx, rendererRequest{Op: opXML})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Destroy asks the helper to exit and releases the process. Repeated
// calls return the first result.
func (s *ProcessSurface) Destroy() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		// Best effort: the helper may already be gone.
		_ = writeFrame(s.w, rendererRequest{ID: s.nextID + 1, Op: opClose})
		s.mu.Unlock()
		if s.closeFn != nil {
			s.err = s.closeFn()
		}
	})
	return s.err
}
