package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/bleuart/internal/ble/protocol"
)

// State is the position of a Session in its exchange.
type State int

const (
	StateIdle State = iota
	StateLocating
	StateConnecting
	StateServiceDiscovery
	StateArmingNotifications
	StateSendingCommand
	StateStreaming
	StateDone
)

var stateNames = [...]string{
	StateIdle:                "idle",
	StateLocating:            "locating",
	StateConnecting:          "connecting",
	StateServiceDiscovery:    "service-discovery",
	StateArmingNotifications: "arming-notifications",
	StateSendingCommand:      "sending-command",
	StateStreaming:           "streaming",
	StateDone:                "done",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// SessionOptions configures one exchange.
type SessionOptions struct {
	DeviceID     string
	Command      []byte
	ConnectDelay time.Duration // wait before every connection attempt
	MaxRetries   int           // reconnection attempts after the first

	// ExchangeTimeout bounds the whole exchange. Zero means no bound.
	ExchangeTimeout time.Duration

	// Decode renders a notification as text. Defaults to protocol.DecodeText.
	Decode func([]byte) string
	// Clock schedules timers. Defaults to the wall clock.
	Clock Clock
}

// Session runs a single command/response exchange. All state is mutated by
// one event at a time; Run starts the goroutine that delivers them.
//
// The inspectors (State, RetryCount, Fragments) read state owned by the event
// goroutine without locking. They are only safe once the outcome channel has
// delivered or closed; calling them while Exchange is running is a data race.
type Session struct {
	id      string
	locator Locator
	adapter Adapter
	opts    SessionOptions
	log     *slog.Logger

	state      State
	retryCount int
	device     Device
	attempt    uint64 // identity of the connection attempt currently owned
	conn       Connection
	connected  bool
	armed      bool
	raw        [][]byte
	text       []string

	connectTimer  Timer
	deadlineTimer Timer

	// reply is taken on first report and nil afterwards.
	reply   chan Outcome
	outcome <-chan Outcome

	dispatch func(Event)
	queue    *eventQueue
	runOnce  sync.Once
}

// NewSession validates opts and returns an idle session.
func NewSession(locator Locator, adapter Adapter, opts SessionOptions) (*Session, error) {
	if locator == nil || adapter == nil {
		return nil, errors.New("ble: session needs a locator and an adapter")
	}
	if opts.DeviceID == "" {
		return nil, errors.New("ble: device id must not be empty")
	}
	if opts.MaxRetries < 0 {
		return nil, fmt.Errorf("ble: max retries must be >= 0, got %d", opts.MaxRetries)
	}
	if opts.ConnectDelay < 0 {
		return nil, fmt.Errorf("ble: connect delay must be >= 0, got %s", opts.ConnectDelay)
	}
	if opts.ExchangeTimeout < 0 {
		return nil, fmt.Errorf("ble: exchange timeout must be >= 0, got %s", opts.ExchangeTimeout)
	}
	if opts.Decode == nil {
		opts.Decode = protocol.DecodeText
	}
	if opts.Clock == nil {
		opts.Clock = wallClock{}
	}

	id := uuid.NewString()
	reply := make(chan Outcome, 1)
	return &Session{
		id:      id,
		locator: locator,
		adapter: adapter,
		opts:    opts,
		log:     slog.With("exchange", id, "device", opts.DeviceID),
		raw:     [][]byte{},
		text:    []string{},
		reply:   reply,
		outcome: reply,
	}, nil
}

// ID returns the exchange identifier attached to logs and the Result.
func (s *Session) ID() string { return s.id }

// Run starts the exchange and returns immediately. The returned channel
// yields exactly one Outcome and is then closed. Calling Run again returns
// the same channel.
func (s *Session) Run() <-chan Outcome {
	s.runOnce.Do(func() {
		s.queue = newEventQueue()
		s.dispatch = s.queue.post
		go s.queue.run(s.handle)
		s.dispatch(startEvent{})
	})
	return s.outcome
}

// abort ends a running exchange with err. It has no effect once the
// exchange is done or before Run.
func (s *Session) abort(err *Error) {
	if s.queue != nil {
		s.queue.post(abortEvent{err: err})
	}
}

// State returns the current state. See the Session doc for when it is safe
// to call.
func (s *Session) State() State { return s.state }

// RetryCount returns the number of reconnection attempts made so far, or
// MaxRetries once a connection has been established.
func (s *Session) RetryCount() int { return s.retryCount }

// Fragments returns copies of the raw and decoded fragments received so far.
func (s *Session) Fragments() ([][]byte, []string) {
	raw := make([][]byte, len(s.raw))
	for i, b := range s.raw {
		raw[i] = append([]byte(nil), b...)
	}
	return raw, append([]string(nil), s.text...)
}

// handle advances the state machine by one event.
func (s *Session) handle(ev Event) {
	if s.state == StateDone {
		return
	}
	if id := ev.attemptID(); id != 0 && id != s.attempt {
		s.log.Debug("[BLE] dropping stale event", "event", fmt.Sprintf("%T", ev), "attempt", id, "current", s.attempt)
		return
	}

	switch ev := ev.(type) {
	case startEvent:
		s.start()
	case connectDueEvent:
		s.connect()
	case ConnectionStateEvent:
		s.onConnectionState(ev)
	case ServicesDiscoveredEvent:
		s.onServicesDiscovered(ev)
	case DescriptorWrittenEvent:
		s.onDescriptorWritten(ev)
	case NotificationEvent:
		s.onNotification(ev)
	case abortEvent:
		s.log.Warn("[BLE] exchange aborted", "state", s.state, "code", ev.err.Code)
		s.fail(ev.err)
	}
}

func (s *Session) start() {
	if s.state != StateIdle {
		return
	}
	s.state = StateLocating
	dev, ok := s.locator.Resolve(s.opts.DeviceID)
	if !ok {
		s.fail(newError(CodeNotLocated, "device not located", nil))
		return
	}
	s.device = dev

	if d := s.opts.ExchangeTimeout; d > 0 {
		s.deadlineTimer = s.opts.Clock.AfterFunc(d, func() {
			s.dispatch(abortEvent{err: newError(CodeTimeout, "exchange timed out", nil)})
		})
	}
	s.scheduleConnect()
}

// scheduleConnect claims a new attempt identity and arms the connect delay.
func (s *Session) scheduleConnect() {
	s.state = StateConnecting
	s.attempt++
	attempt := s.attempt
	s.log.Info("[BLE] connecting", "attempt", attempt, "retry", s.retryCount, "delay", s.opts.ConnectDelay)
	s.connectTimer = s.opts.Clock.AfterFunc(s.opts.ConnectDelay, func() {
		s.dispatch(connectDueEvent{Attempt: attempt})
	})
}

func (s *Session) connect() {
	if s.state != StateConnecting {
		return
	}
	s.connectTimer = nil
	s.closeConn()

	conn, err := s.adapter.Open(s.device, attemptEvents{attempt: s.attempt, post: s.dispatch})
	if err != nil {
		s.fail(newError(CodeOpenFailed, "cannot open connection", err))
		return
	}
	s.conn = conn
}

func (s *Session) onConnectionState(ev ConnectionStateEvent) {
	if s.conn == nil {
		return
	}

	if ev.Connected {
		if s.state != StateConnecting {
			return
		}
		s.log.Info("[BLE] connected", "attempt", ev.Attempt)
		s.connected = true
		s.retryCount = s.opts.MaxRetries
		s.state = StateServiceDiscovery
		if err := s.conn.DiscoverServices(); err != nil {
			s.fail(newError(CodeInitFailed, "service/characteristic initialization problem", err))
		}
		return
	}

	s.connected = false
	if s.retryCount < s.opts.MaxRetries {
		s.retryCount++
		s.log.Warn("[BLE] connection lost, retrying", "attempt", ev.Attempt, "retry", s.retryCount, "error", ev.Err)
		s.closeConn()
		s.scheduleConnect()
		return
	}

	s.log.Info("[BLE] disconnected, exchange complete", "fragments", len(s.raw))
	s.succeed()
}

func (s *Session) onServicesDiscovered(ev ServicesDiscoveredEvent) {
	if s.state != StateServiceDiscovery {
		return
	}
	if err := s.armNotifications(ev.Err); err != nil {
		s.fail(newError(CodeInitFailed, "service/characteristic initialization problem", err))
		return
	}
	s.state = StateArmingNotifications
}

func (s *Session) armNotifications(discoverErr error) error {
	if discoverErr != nil {
		return fmt.Errorf("discover services: %w", discoverErr)
	}
	tx, err := s.conn.Characteristic(ServiceUUID, TXCharUUID)
	if err != nil {
		return err
	}
	if err := tx.EnableNotifications(); err != nil {
		return fmt.Errorf("enable notifications: %w", err)
	}
	if err := tx.WriteDescriptor(CCCDUUID, EnableNotificationValue); err != nil {
		return fmt.Errorf("write descriptor: %w", err)
	}
	return nil
}

func (s *Session) onDescriptorWritten(ev DescriptorWrittenEvent) {
	if s.state != StateArmingNotifications {
		return
	}
	if !SameUUID(ev.Descriptor, CCCDUUID) {
		s.log.Debug("[BLE] ignoring descriptor ack", "descriptor", ev.Descriptor)
		return
	}
	if ev.Err != nil {
		s.fail(newError(CodeInitFailed, "service/characteristic initialization problem", ev.Err))
		return
	}
	s.armed = true

	rx, err := s.conn.Characteristic(ServiceUUID, RXCharUUID)
	if err != nil {
		s.fail(newError(CodeInitFailed, "service/characteristic initialization problem", err))
		return
	}
	if !rx.Write(s.opts.Command) {
		if err := s.conn.Disconnect(); err != nil {
			s.log.Debug("[BLE] disconnect after refused write", "error", err)
		}
		s.fail(newError(CodeSendFailed, "problem sending command", nil))
		return
	}
	s.log.Debug("[BLE] command sent", "bytes", len(s.opts.Command))
	s.state = StateSendingCommand
}

func (s *Session) onNotification(ev NotificationEvent) {
	if !s.armed || !s.connected {
		return
	}
	s.log.Debug("[BLE] receiving data", "bytes", len(ev.Value))
	s.raw = append(s.raw, ev.Value)
	s.text = append(s.text, s.opts.Decode(ev.Value))
	s.state = StateStreaming
}

func (s *Session) succeed() {
	s.report(Outcome{Result: &Result{ID: s.id, Raw: s.raw, Text: s.text}})
}

func (s *Session) fail(err *Error) {
	s.log.Warn("[BLE] exchange failed", "code", err.Code, "detail", err.Detail, "underlying", err.Underlying)
	s.report(Outcome{Err: err})
}

// report closes the connection, stops timers and delivers the outcome. Only
// the first call has any effect.
func (s *Session) report(o Outcome) {
	s.state = StateDone
	s.stopTimers()
	s.closeConn()

	reply := s.reply
	s.reply = nil
	if reply == nil {
		return
	}
	reply <- o
	close(reply)

	if s.queue != nil {
		s.queue.stop()
	}
}

func (s *Session) stopTimers() {
	if s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
	}
	if s.deadlineTimer != nil {
		s.deadlineTimer.Stop()
		s.deadlineTimer = nil
	}
}

func (s *Session) closeConn() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Close(); err != nil {
		s.log.Debug("[BLE] close connection", "error", err)
	}
	s.conn = nil
	s.connected = false
}

// Exchange runs one exchange and waits for its outcome. If ctx ends first the
// exchange is aborted with CodeCanceled. A failed exchange returns an *Error.
func Exchange(ctx context.Context, locator Locator, adapter Adapter, opts SessionOptions) (*Result, error) {
	s, err := NewSession(locator, adapter, opts)
	if err != nil {
		return nil, err
	}
	outcome := s.Run()

	var o Outcome
	select {
	case o = <-outcome:
	case <-ctx.Done():
		s.abort(newError(CodeCanceled, "exchange canceled", ctx.Err()))
		o = <-outcome
	}
	if o.Err != nil {
		return nil, o.Err
	}
	return o.Result, nil
}
