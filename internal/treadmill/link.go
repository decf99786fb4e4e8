package treadmill

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lowaak/treadmill-bridge/internal/bt"
	"github.com/lowaak/treadmill-bridge/internal/events"
	"github.com/lowaak/treadmill-bridge/internal/ftms"
	"github.com/lowaak/treadmill-bridge/internal/go_func_utils"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateFailed is terminal until Start is called again
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SampleSink consumes decoded samples in arrival order
type SampleSink interface {
	Apply(sample ftms.TreadmillSample)
}

type Config struct {
	Address          string
	ControlPointUUID string
	SpeedProfile     ftms.SpeedProfile
	// MaxRetries is the number of consecutive failed connection attempts before giving up
	MaxRetries     int
	RetryBackoff   time.Duration
	CommandTimeout time.Duration
	RequestControl bool
}

func DefaultConfig() Config {
	return Config{
		ControlPointUUID: ftms.CharUUIDFTMSControlPoint,
		SpeedProfile:     ftms.ProfileLegacy,
		MaxRetries:       5,
		RetryBackoff:     2 * time.Second,
		CommandTimeout:   5 * time.Second,
	}
}

type commandRequest struct {
	cmd   ftms.ControlCommand
	reply chan error
}

// Link owns the connection to the physical treadmill. Connection handling,
// frame decoding and control point writes all happen on one goroutine.
type Link struct {
	cfg     Config
	manager bt.BTManagerInterface
	sink    SampleSink
	logger  *log.Logger

	cmds   chan commandRequest

	mu      sync.Mutex
	state   State
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	stateEvent *events.ChannelEvent[State]
	wg         sync.WaitGroup

	framesDecoded atomic.Uint64
	decodeErrors  atomic.Uint64
}

func NewLink(cfg Config, manager bt.BTManagerInterface, sink SampleSink, logger *log.Logger) *Link {
	if manager == nil {
		panic("Link: manager cannot be nil")
	}
	if sink == nil {
		panic("Link: sink cannot be nil")
	}
	if logger == nil {
		panic("Link: logger cannot be nil")
	}
	defaults := DefaultConfig()
	if cfg.ControlPointUUID == "" {
		cfg.ControlPointUUID = defaults.ControlPointUUID
	}
	if cfg.SpeedProfile == "" {
		cfg.SpeedProfile = defaults.SpeedProfile
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaults.RetryBackoff
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaults.CommandTimeout
	}
	return &Link{
		cfg:        cfg,
		manager:    manager,
		sink:       sink,
		logger:     logger,
		cmds:       make(chan commandRequest),
		state:      StateDisconnected,
		stateEvent: events.NewChannelEvent[State](true),
	}
}

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) setState(state State) {
	l.mu.Lock()
	changed := l.state != state
	l.state = state
	l.mu.Unlock()
	if changed {
		l.logger.Printf("Link: state -> %s", state)
		l.stateEvent.Notify(state)
	}
}

// ListenState registers a channel for state changes. The current state is replayed.
func (l *Link) ListenState(ch chan<- State) func() {
	return l.stateEvent.Listen(ch)
}

// FramesDecoded and DecodeErrors count inbound notifications
func (l *Link) FramesDecoded() uint64 { return l.framesDecoded.Load() }
func (l *Link) DecodeErrors() uint64  { return l.decodeErrors.Load() }

// Start launches the connection loop. It can be called again after the link
// failed or was disconnected.
func (l *Link) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return ErrAlreadyRunning
	}
	if l.cancel != nil {
		l.cancel()
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done
	l.running = true

	go_func_utils.SafeGoTracked(l.logger, &l.wg, func() {
		defer close(done)
		failed := l.run(loopCtx)
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
		if failed {
			l.setState(StateFailed)
		}
	})
	return nil
}

// Disconnect stops the loop and tears the connection down. Safe to call when
// already disconnected or never started.
func (l *Link) Disconnect() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	l.logger.Println("Link: Disconnecting")
	cancel()
	<-done
	l.wg.Wait()
	if l.State() != StateFailed {
		l.setState(StateDisconnected)
	}
}

// run returns true when the retry budget is exhausted
func (l *Link) run(ctx context.Context) bool {
	failures := 0
	for {
		if ctx.Err() != nil {
			return false
		}

		l.setState(StateConnecting)
		connCtx, cancelConn := context.WithCancel(ctx)
		device, frames, err := l.connect(connCtx)
		if err != nil {
			cancelConn()
			if ctx.Err() != nil {
				return false
			}
			failures++
			l.logger.Printf("Link: Connection attempt %d/%d failed: %v", failures, l.cfg.MaxRetries, err)
			if failures >= l.cfg.MaxRetries {
				l.logger.Printf("Link: Giving up on %s after %d attempts", l.cfg.Address, failures)
				return true
			}
			l.setState(StateDisconnected)
			if !sleepCtx(ctx, l.cfg.RetryBackoff) {
				return false
			}
			continue
		}

		failures = 0
		l.setState(StateConnected)
		l.serve(ctx, device, frames)
		// frames still queued or in flight from this connection are dropped
		cancelConn()
		if ctx.Err() != nil {
			return false
		}

		l.setState(StateDisconnected)
		l.logger.Printf("Link: Connection lost, reconnecting in %v", l.cfg.RetryBackoff)
		if !sleepCtx(ctx, l.cfg.RetryBackoff) {
			return false
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// connect dials the treadmill and subscribes to Treadmill Data. The returned
// channel carries this connection's frames only and lives as long as ctx.
func (l *Link) connect(ctx context.Context) (bt.BTDevice, <-chan []byte, error) {
	device, err := l.manager.Connect(ctx, l.cfg.Address)
	if err != nil {
		return nil, nil, &LinkError{Op: "connect", Address: l.cfg.Address, Err: err}
	}

	frames := make(chan []byte, 1)
	err = device.EnableNotifications(ftms.ServiceUUIDFTMS, ftms.CharUUIDTreadmillData, func(buf []byte) {
		l.enqueueFrame(ctx, frames, buf)
	})
	if err != nil {
		if dErr := l.manager.Disconnect(device); dErr != nil {
			l.logger.Printf("Link: Error disconnecting after failed subscribe: %v", dErr)
		}
		return nil, nil, &LinkError{Op: "subscribe", Address: l.cfg.Address, Err: err}
	}
	l.logger.Printf("Link: Subscribed to treadmill data on %s (%s)", device.GetLocalName(), device.GetAddressString())

	if l.cfg.RequestControl {
		l.requestControl(device)
	}
	return device, frames, nil
}

// enqueueFrame runs on the BLE stack's goroutine. The buffer is reused by the
// stack so it is copied before handing it to the loop.
func (l *Link) enqueueFrame(ctx context.Context, frames chan<- []byte, buf []byte) {
	if ctx.Err() != nil {
		return
	}
	frame := make([]byte, len(buf))
	copy(frame, buf)
	select {
	case frames <- frame:
	case <-ctx.Done():
	}
}

// requestControl takes control of the treadmill and starts the belt program.
// Failures are logged only; some treadmills accept speed commands without it.
func (l *Link) requestControl(device bt.BTDevice) {
	err := device.EnableNotifications(ftms.ServiceUUIDFTMS, l.cfg.ControlPointUUID, l.controlPointHandler())
	if err != nil {
		l.logger.Printf("Link: Control point indications unavailable: %v", err)
	}

	if err := l.write(device, ftms.RequestControl()); err != nil {
		l.logger.Printf("Link: Request control failed: %v", err)
		return
	}
	if err := l.write(device, ftms.StartOrResume()); err != nil {
		l.logger.Printf("Link: Start command failed (may not be required): %v", err)
	}
	l.logger.Println("Link: Treadmill control requested")
}

func (l *Link) controlPointHandler() func(buf []byte) {
	return func(buf []byte) {
		resp, err := ftms.ParseControlResponse(buf)
		if err != nil {
			l.logger.Printf("Link: Control point: %v", err)
			return
		}
		l.logger.Printf("Link: Control point: %s", resp)
	}
}

// serve processes frames and commands until the device drops or ctx ends
func (l *Link) serve(ctx context.Context, device bt.BTDevice, frames <-chan []byte) {
	disconnected := device.Disconnected()
	defer func() {
		if !device.IsConnected() {
			return
		}
		if err := l.manager.Disconnect(device); err != nil {
			l.logger.Printf("Link: Error disconnecting: %v", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-disconnected:
			l.logger.Printf("Link: %s disconnected", device.GetAddressString())
			return
		case frame := <-frames:
			l.handleFrame(frame)
		case req := <-l.cmds:
			req.reply <- l.execute(device, req.cmd)
		}
	}
}

func (l *Link) handleFrame(frame []byte) {
	sample, err := ftms.Decode(frame)
	if err != nil {
		l.decodeErrors.Add(1)
		l.logger.Printf("Link: Dropping frame % X: %v", frame, err)
		return
	}
	l.framesDecoded.Add(1)
	l.sink.Apply(sample)
}

// execute writes with response first and falls back to write without response
func (l *Link) execute(device bt.BTDevice, cmd ftms.ControlCommand) error {
	if err := l.write(device, cmd); err != nil {
		return &CommandError{Command: cmd, Err: err}
	}
	l.logger.Printf("Link: Sent %s", cmd)
	return nil
}

func (l *Link) write(device bt.BTDevice, cmd ftms.ControlCommand) error {
	data := cmd.Bytes()
	err := device.WriteCharacteristic(ftms.ServiceUUIDFTMS, l.cfg.ControlPointUUID, data)
	if err == nil {
		return nil
	}
	l.logger.Printf("Link: Write with response failed (%v), retrying without response", err)

	fallbackErr := device.WriteCharacteristicWithoutResponse(ftms.ServiceUUIDFTMS, l.cfg.ControlPointUUID, data)
	if fallbackErr == nil {
		return nil
	}
	return errors.Join(err, fallbackErr)
}

// SendSpeed asks the treadmill to run at kmh. It waits at most CommandTimeout
// for the loop to perform the write.
func (l *Link) SendSpeed(ctx context.Context, kmh float64) error {
	return l.Send(ctx, ftms.SetTargetSpeed(l.cfg.SpeedProfile, kmh))
}

// Send submits a control command to the connection loop
func (l *Link) Send(ctx context.Context, cmd ftms.ControlCommand) error {
	if l.State() != StateConnected {
		return ErrNotConnected
	}

	timer := time.NewTimer(l.cfg.CommandTimeout)
	defer timer.Stop()

	req := commandRequest{cmd: cmd, reply: make(chan error, 1)}
	select {
	case l.cmds <- req:
	case <-timer.C:
		return fmt.Errorf("%w: %s", ErrCommandTimeout, cmd)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		if err != nil {
			l.logger.Printf("Link: %v", err)
		}
		return err
	case <-timer.C:
		return fmt.Errorf("%w: %s", ErrCommandTimeout, cmd)
	case <-ctx.Done():
		return ctx.Err()
	}
}
