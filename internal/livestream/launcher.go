package livestream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// Process is a running transcoder as seen by the Supervisor.
type Process interface {
	PID() int
	// Lines carries diagnostic output, one line per value. It is closed
	// when the output stream ends.
	Lines() <-chan string
	// Done is closed after the process has exited; ExitErr is valid then.
	Done() <-chan struct{}
	ExitErr() error
	// Interrupt asks the process to finish gracefully.
	Interrupt() error
	Kill() error
}

// Launcher spawns transcoder processes.
type Launcher interface {
	Launch(args []string) (Process, error)
}

// DefaultLineBuffer bounds the diagnostic lines waiting to be consumed.
const DefaultLineBuffer = 128

// FFmpegLauncher runs the ffmpeg binary and exposes its stderr as lines.
type FFmpegLauncher struct {
	Path       string
	LineBuffer int
	Log        *slog.Logger
}

// NewFFmpegLauncher returns a launcher for the binary at path ("ffmpeg" if empty).
func NewFFmpegLauncher(path string, log *slog.Logger) *FFmpegLauncher {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegLauncher{Path: path, LineBuffer: DefaultLineBuffer, Log: log}
}

// Probe runs "ffmpeg -version" to check the binary is usable.
func (l *FFmpegLauncher) Probe(ctx context.Context) error {
	if err := exec.CommandContext(ctx, l.Path, "-version").Run(); err != nil {
		return fmt.Errorf("ffmpeg not usable at %q: %w", l.Path, err)
	}
	return nil
}

// Launch implements Launcher.
func (l *FFmpegLauncher) Launch(args []string) (Process, error) {
	cmd := exec.Command(l.Path, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", l.Path, err)
	}

	buf := l.LineBuffer
	if buf <= 0 {
		buf = DefaultLineBuffer
	}
	p := &execProcess{
		cmd:   cmd,
		lines: make(chan string, buf),
		done:  make(chan struct{}),
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		scanner.Split(scanLinesOrCR)
		for scanner.Scan() {
			line := scanner.Text()
			if len(line) == 0 {
				continue
			}
			select {
			case p.lines <- line:
			default:
				// Telemetry is best effort; never stall the transcoder on a slow reader.
				if l.Log != nil {
					l.Log.Debug("diagnostic line dropped", slog.Int("pid", p.PID()))
				}
			}
		}
		close(p.lines)

		// Wait closes the pipe, so it must run after the scanner is drained.
		err := cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(p.done)
	}()

	return p, nil
}

type execProcess struct {
	cmd   *exec.Cmd
	lines chan string
	done  chan struct{}

	mu      sync.Mutex
	exitErr error
}

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Lines() <-chan string  { return p.lines }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *execProcess) Interrupt() error {
	return p.cmd.Process.Signal(os.Interrupt)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

// scanLinesOrCR splits on '\n' or '\r'; ffmpeg rewrites its progress line
// with carriage returns.
func scanLinesOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, bytes.TrimRight(data[:i], "\r\n"), nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
