// Package player drives an mpv process over its JSON IPC socket and
// implements radio.Engine on top of it.
package player

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/himanshub16/upnext-juggler/radio"
)

const (
	DefaultBinary      = "mpv"
	DefaultStreamRetry = time.Minute

	commandTimeout = 2 * time.Second
	socketWait     = 5 * time.Second
)

var (
	ErrNoFallback = errors.New("no fallback source configured")
	ErrStreamDown = errors.New("fallback stream is down")
)

type Config struct {
	Binary string
	Socket string
	// FallbackURL is an internet stream played while the queue is empty.
	FallbackURL string
	// FallbackDir is looped when the stream is unset or fails.
	FallbackDir string
	// StreamRetry is how long the stream is left alone after it failed.
	StreamRetry time.Duration
	Logger      zerolog.Logger
}

type mpvCommand struct {
	Command   []any `json:"command"`
	RequestID int64 `json:"request_id,omitempty"`
}

type mpvResponse struct {
	Data      any    `json:"data"`
	RequestID int64  `json:"request_id"`
	Error     string `json:"error"`
	Event     string `json:"event"`
	Reason    string `json:"reason"`
}

// MPV is a radio.Engine backed by a long running `mpv --idle`.
type MPV struct {
	cfg   Config
	log   zerolog.Logger
	reqID atomic.Int64

	mu         sync.Mutex
	cmd        *exec.Cmd
	onFinished func()
	// ambient is true while fallback audio is loaded.
	ambient    bool
	mode       radio.AmbientMode
	scratched  bool
	streamDown time.Time

	eventConn net.Conn
	eventStop chan struct{}
	events    sync.WaitGroup
}

func New(cfg Config) *MPV {
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.Socket == "" {
		cfg.Socket = fmt.Sprintf("%s/juggler-mpv-%d.sock", os.TempDir(), os.Getpid())
	}
	if cfg.StreamRetry <= 0 {
		cfg.StreamRetry = DefaultStreamRetry
	}
	m := &MPV{
		cfg: cfg,
		log: cfg.Logger.With().Str("component", "player").Logger(),
	}
	if cfg.FallbackURL == "" && cfg.FallbackDir != "" {
		m.mode = radio.AmbientLocal
	}
	return m
}

// Start launches mpv in idle mode and subscribes to its end-file events.
func (m *MPV) Start(ctx context.Context) error {
	os.Remove(m.cfg.Socket)

	cmd := exec.Command(m.cfg.Binary,
		"--no-video",
		"--really-quiet",
		"--no-terminal",
		"--input-ipc-server="+m.cfg.Socket,
		"--idle",
		"--force-window=no",
		"--keep-open=no",
	)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start mpv: %w", err)
	}

	deadline := time.Now().Add(socketWait)
	for {
		if _, err := os.Stat(m.cfg.Socket); err == nil {
			break
		}
		if time.Now().After(deadline) {
			cmd.Process.Kill()
			cmd.Wait()
			return fmt.Errorf("mpv socket %s not created after %s", m.cfg.Socket, socketWait)
		}
		time.Sleep(100 * time.Millisecond)
	}

	m.mu.Lock()
	m.cmd = cmd
	m.mu.Unlock()

	if err := m.connect(ctx); err != nil {
		m.Release()
		return err
	}
	m.log.Info().Int("pid", cmd.Process.Pid).Str("socket", m.cfg.Socket).Msg("mpv started in idle mode")
	return nil
}

// connect opens the event connection to an mpv that is already listening.
func (m *MPV) connect(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", m.cfg.Socket)
	if err != nil {
		return fmt.Errorf("connect for events: %w", err)
	}
	data, _ := json.Marshal(mpvCommand{Command: []any{"enable_event", "end-file"}})
	if _, err := conn.Write(append(data, '\n')); err != nil {
		conn.Close()
		return fmt.Errorf("enable events: %w", err)
	}

	stop := make(chan struct{})
	m.mu.Lock()
	m.eventConn = conn
	m.eventStop = stop
	m.mu.Unlock()

	m.events.Add(1)
	go m.handleEvents(conn, stop)
	return nil
}

func (m *MPV) OnFinished(cb func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFinished = cb
}

func (m *MPV) Play(ctx context.Context, locator, label string) error {
	m.mu.Lock()
	m.ambient = false
	m.scratched = false
	m.mu.Unlock()

	if _, err := m.sendCommand(ctx, "set_property", "loop-playlist", "no"); err != nil {
		return err
	}
	if _, err := m.sendCommand(ctx, "loadfile", locator, "replace"); err != nil {
		return fmt.Errorf("load %q: %w", label, err)
	}
	if _, err := m.sendCommand(ctx, "set_property", "pause", false); err != nil {
		m.log.Warn().Err(err).Msg("failed to unpause after loading track")
	}
	return nil
}

// PlayFallback plays the stream unless it failed recently, otherwise the
// local directory on repeat.
func (m *MPV) PlayFallback(ctx context.Context) error {
	m.mu.Lock()
	streamUp := !time.Now().Before(m.streamDown)
	m.ambient = true
	m.scratched = false
	m.mu.Unlock()

	if m.cfg.FallbackURL != "" && streamUp {
		_, err := m.sendCommand(ctx, "set_property", "loop-playlist", "no")
		if err == nil {
			_, err = m.sendCommand(ctx, "loadfile", m.cfg.FallbackURL, "replace")
		}
		if err == nil {
			m.setMode(radio.AmbientStream)
			m.log.Info().Str("url", m.cfg.FallbackURL).Msg("playing fallback stream")
			return nil
		}
		m.markStreamDown()
		if m.cfg.FallbackDir == "" {
			return fmt.Errorf("fallback stream: %w", err)
		}
		m.log.Warn().Err(err).Msg("fallback stream unavailable, switching to local directory")
	}

	if m.cfg.FallbackDir == "" {
		if m.cfg.FallbackURL != "" {
			return ErrStreamDown
		}
		return ErrNoFallback
	}
	if _, err := m.sendCommand(ctx, "loadfile", m.cfg.FallbackDir, "replace"); err != nil {
		return fmt.Errorf("fallback directory: %w", err)
	}
	if _, err := m.sendCommand(ctx, "set_property", "loop-playlist", "inf"); err != nil {
		m.log.Warn().Err(err).Msg("could not loop the fallback directory")
	}
	m.setMode(radio.AmbientLocal)
	m.log.Info().Str("dir", m.cfg.FallbackDir).Msg("playing local fallback")
	return nil
}

// Scratch stops whatever is loaded. An idle mpv sends no end-file event,
// so the callback is fired here instead.
func (m *MPV) Scratch() error {
	m.mu.Lock()
	m.scratched = true
	m.mu.Unlock()

	if resp, err := m.sendCommand(context.Background(), "get_property", "idle-active"); err == nil && resp.Data == true {
		m.mu.Lock()
		m.scratched = false
		cb := m.onFinished
		m.mu.Unlock()
		if cb != nil {
			go cb()
		}
		return nil
	}
	if _, err := m.sendCommand(context.Background(), "stop"); err != nil {
		m.mu.Lock()
		m.scratched = false
		m.mu.Unlock()
		return err
	}
	return nil
}

// Position reports percent-pos as a fraction, 0 during ambient playback
// or when mpv cannot tell.
func (m *MPV) Position() float64 {
	m.mu.Lock()
	ambient := m.ambient
	m.mu.Unlock()
	if ambient {
		return 0
	}
	resp, err := m.sendCommand(context.Background(), "get_property", "percent-pos")
	if err != nil {
		return 0
	}
	pos, ok := resp.Data.(float64)
	if !ok || pos < 0 {
		return 0
	}
	if pos > 100 {
		pos = 100
	}
	return pos / 100
}

func (m *MPV) Ambient() radio.AmbientMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Release asks mpv to quit, kills it if it lingers and closes the event
// connection.
func (m *MPV) Release() error {
	m.mu.Lock()
	cmd := m.cmd
	m.cmd = nil
	stop := m.eventStop
	m.eventStop = nil
	conn := m.eventConn
	m.eventConn = nil
	m.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	m.sendCommand(context.Background(), "quit")
	if conn != nil {
		conn.Close()
	}
	m.events.Wait()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		m.log.Warn().Int("pid", cmd.Process.Pid).Msg("force killing mpv")
		if err := cmd.Process.Kill(); err != nil {
			return fmt.Errorf("kill mpv: %w", err)
		}
		<-done
	}
	os.Remove(m.cfg.Socket)
	return nil
}

func (m *MPV) setMode(mode radio.AmbientMode) {
	m.mu.Lock()
	m.mode = mode
	m.mu.Unlock()
}

func (m *MPV) markStreamDown() {
	m.mu.Lock()
	m.markStreamDownLocked()
	m.mu.Unlock()
}

func (m *MPV) markStreamDownLocked() {
	m.streamDown = time.Now().Add(m.cfg.StreamRetry)
	if m.cfg.FallbackDir != "" {
		m.mode = radio.AmbientLocal
	}
}

// endFile decides whether an end-file event means the radio should
// advance. mpv also reports stop when loadfile replaces the current file,
// which only counts after a Scratch.
func (m *MPV) endFile(reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch reason {
	case "stop":
		if m.scratched {
			m.scratched = false
			return true
		}
		return false
	case "eof":
		return !(m.ambient && m.mode == radio.AmbientLocal)
	case "error":
		if !m.ambient {
			return true
		}
		if m.mode == radio.AmbientStream {
			m.markStreamDownLocked()
			return true
		}
		return false
	default:
		return false
	}
}

func (m *MPV) handleEvents(conn net.Conn, stop chan struct{}) {
	defer m.events.Done()
	defer conn.Close()

	reader := bufio.NewReader(conn)
	for {
		select {
		case <-stop:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		line, err := reader.ReadBytes('\n')
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-stop:
			default:
				m.log.Error().Err(err).Msg("mpv event connection lost")
			}
			return
		}

		var ev mpvResponse
		if err := json.Unmarshal(line, &ev); err != nil || ev.Event != "end-file" {
			continue
		}
		m.log.Debug().Str("reason", ev.Reason).Msg("end-file")
		if !m.endFile(ev.Reason) {
			continue
		}
		m.mu.Lock()
		cb := m.onFinished
		m.mu.Unlock()
		if cb != nil {
			cb()
		}
	}
}

// sendCommand runs one command on a fresh connection and waits for the
// matching reply, skipping any events mpv interleaves.
func (m *MPV) sendCommand(ctx context.Context, args ...any) (*mpvResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", m.cfg.Socket)
	if err != nil {
		return nil, fmt.Errorf("connect to mpv socket: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	id := m.reqID.Add(1)
	data, err := json.Marshal(mpvCommand{Command: args, RequestID: id})
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("write command: %w", err)
	}

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		var resp mpvResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return nil, fmt.Errorf("unmarshal response: %w", err)
		}
		if resp.Event != "" || resp.RequestID != id {
			continue
		}
		if resp.Error != "" && resp.Error != "success" {
			return &resp, fmt.Errorf("mpv %v: %s", args[0], resp.Error)
		}
		return &resp, nil
	}
}
