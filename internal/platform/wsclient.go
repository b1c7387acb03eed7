package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/nativesync/internal/infrastructure/config"
)

// WebSocket message types for the platform API.
const (
	wsTypeAuthRequired = "auth_required"
	wsTypeAuth         = "auth"
	wsTypeAuthOK       = "auth_ok"
	wsTypeAuthInvalid  = "auth_invalid"
	wsTypeResult       = "result"
	wsTypeEvent        = "event"
)

// Platform API commands.
const (
	cmdGetStates          = "get_states"
	cmdCallService        = "call_service"
	cmdSubscribeEvents    = "subscribe_events"
	cmdEntityRegistryList = "config/entity_registry/list"
	cmdDeviceRegistryList = "config/device_registry/list"
	cmdAreaRegistryList   = "config/area_registry/list"
	cmdFloorRegistryList  = "config/floor_registry/list"
	cmdLabelRegistryList  = "config/label_registry/list"
)

// Connection constants.
const (
	// defaultCommandTimeout bounds a command round-trip when the caller's
	// context carries no deadline.
	defaultCommandTimeout = 10 * time.Second

	// writeTimeout bounds a single frame write.
	writeTimeout = 5 * time.Second

	// reconnectInitialDelay and reconnectMaxDelay bound the backoff between
	// reconnection attempts after a dropped connection.
	reconnectInitialDelay = time.Second
	reconnectMaxDelay     = 60 * time.Second
)

// Domain-specific errors for platform API operations.
var (
	// ErrAuthFailed is returned when the platform rejects the access token.
	ErrAuthFailed = errors.New("platform: authentication failed")

	// ErrNotConnected is returned when attempting operations on a closed client.
	ErrNotConnected = errors.New("platform: client not connected")

	// ErrCommandFailed is returned when the platform reports a command error.
	ErrCommandFailed = errors.New("platform: command failed")
)

// Logger is the logging interface the client needs. Compatible with
// logging.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// wsCommand is an outbound command frame. Extra fields ride in Payload.
type wsCommand struct {
	ID          string         `json:"id,omitempty"`
	Type        string         `json:"type"`
	AccessToken string         `json:"access_token,omitempty"`
	EventType   string         `json:"event_type,omitempty"`
	Domain      string         `json:"domain,omitempty"`
	Service     string         `json:"service,omitempty"`
	ServiceData map[string]any `json:"service_data,omitempty"`

	// Extra carries integration-specific fields merged into the frame.
	Extra map[string]any `json:"-"`
}

// MarshalJSON merges Extra fields into the command frame.
func (c wsCommand) MarshalJSON() ([]byte, error) {
	type alias wsCommand
	data, err := json.Marshal(alias(c))
	if err != nil {
		return nil, err
	}
	if len(c.Extra) == 0 {
		return data, nil
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	for k, v := range c.Extra {
		m[k] = v
	}
	return json.Marshal(m)
}

// wsServerMessage is an inbound frame: auth handshake, command result, or
// event delivery.
type wsServerMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type pendingResult struct {
	result json.RawMessage
	err    error
}

// WSClient is the platform API client over a WebSocket connection.
//
// It provides command round-trips with per-command correlation ids, event
// subscriptions restored across reconnects, and auto-reconnect with
// exponential backoff.
//
// Thread Safety: all methods are safe for concurrent use.
type WSClient struct {
	cfg    config.PlatformConfig
	logger Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	// pending maps command id to the channel awaiting its result.
	pending   map[string]chan pendingResult
	pendingMu sync.Mutex

	// handlers maps event type to registered handlers; subscribed tracks
	// which event types have a live server-side subscription.
	handlers   map[string]map[string]func(Event)
	subscribed map[string]bool
	handlerMu  sync.Mutex

	connected bool
	closed    bool
	connMu    sync.Mutex
}

// ConnectWS dials the platform WebSocket API, authenticates, and starts
// the read loop.
func ConnectWS(cfg config.PlatformConfig, logger Logger) (*WSClient, error) {
	c := &WSClient{
		cfg:        cfg,
		logger:     logger,
		pending:    make(map[string]chan pendingResult),
		handlers:   make(map[string]map[string]func(Event)),
		subscribed: make(map[string]bool),
	}

	if err := c.dial(); err != nil {
		return nil, err
	}

	go c.readLoop()

	return c, nil
}

// dial establishes the connection and performs the auth handshake.
func (c *WSClient) dial() error {
	timeout := time.Duration(c.cfg.ConnectTimeout) * time.Second
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.Dial(c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("%w: dialing %s: %w", ErrNotConnected, c.cfg.URL, err)
	}

	if err := c.authenticate(conn, timeout); err != nil {
		conn.Close() //nolint:errcheck // Best effort cleanup on error path
		return err
	}

	c.connMu.Lock()
	c.conn = conn
	c.connected = true
	c.connMu.Unlock()

	return nil
}

// authenticate runs the auth handshake on a fresh connection.
func (c *WSClient) authenticate(conn *websocket.Conn, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	_ = conn.SetReadDeadline(deadline) //nolint:errcheck // Deadline cleared after handshake

	var hello wsServerMessage
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("%w: reading auth challenge: %w", ErrAuthFailed, err)
	}
	if hello.Type != wsTypeAuthRequired {
		return fmt.Errorf("%w: unexpected first message type %q", ErrAuthFailed, hello.Type)
	}

	_ = conn.SetWriteDeadline(deadline) //nolint:errcheck // Deadline cleared after handshake
	if err := conn.WriteJSON(wsCommand{Type: wsTypeAuth, AccessToken: c.cfg.Token}); err != nil {
		return fmt.Errorf("%w: sending credentials: %w", ErrAuthFailed, err)
	}

	var reply wsServerMessage
	if err := conn.ReadJSON(&reply); err != nil {
		return fmt.Errorf("%w: reading auth result: %w", ErrAuthFailed, err)
	}
	if reply.Type != wsTypeAuthOK {
		return fmt.Errorf("%w: platform replied %q", ErrAuthFailed, reply.Type)
	}

	// Clear handshake deadlines; the read loop runs without one.
	_ = conn.SetReadDeadline(time.Time{})  //nolint:errcheck
	_ = conn.SetWriteDeadline(time.Time{}) //nolint:errcheck

	return nil
}

// readLoop dispatches inbound frames until the connection drops, then
// reconnects unless the client was closed.
func (c *WSClient) readLoop() {
	for {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			return
		}

		var msg wsServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			c.handleDisconnect(err)
			return
		}

		switch msg.Type {
		case wsTypeResult:
			c.deliverResult(msg)
		case wsTypeEvent:
			if msg.Event != nil {
				c.deliverEvent(*msg.Event)
			}
		default:
			// Pings and unknown frames are ignored.
		}
	}
}

// deliverResult completes the pending command waiting on this id.
func (c *WSClient) deliverResult(msg wsServerMessage) {
	c.pendingMu.Lock()
	ch, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.pendingMu.Unlock()
	if !ok {
		return
	}

	res := pendingResult{result: msg.Result}
	if msg.Success != nil && !*msg.Success {
		detail := "unknown error"
		if msg.Error != nil {
			detail = fmt.Sprintf("%s: %s", msg.Error.Code, msg.Error.Message)
		}
		res.err = fmt.Errorf("%w: %s", ErrCommandFailed, detail)
	}

	ch <- res
}

// deliverEvent fans an event out to handlers registered for its type.
// Handler panics are contained so one bad handler cannot kill the read loop.
func (c *WSClient) deliverEvent(ev Event) {
	c.handlerMu.Lock()
	var fns []func(Event)
	for _, fn := range c.handlers[ev.Type] {
		fns = append(fns, fn)
	}
	c.handlerMu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("event handler panic recovered",
						"event_type", ev.Type,
						"panic", r,
					)
				}
			}()
			fn(ev)
		}()
	}
}

// handleDisconnect fails pending commands and starts the reconnect loop.
func (c *WSClient) handleDisconnect(err error) {
	c.connMu.Lock()
	c.connected = false
	closed := c.closed
	c.connMu.Unlock()

	c.failPending(fmt.Errorf("%w: connection lost: %w", ErrNotConnected, err))

	if closed {
		return
	}

	c.logger.Warn("platform connection lost, reconnecting", "error", err)
	c.reconnect()
}

// failPending aborts all in-flight command round-trips.
func (c *WSClient) failPending(err error) {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- pendingResult{err: err}
	}
	c.pendingMu.Unlock()
}

// reconnect re-dials with exponential backoff, restores event
// subscriptions, and resumes the read loop.
func (c *WSClient) reconnect() {
	delay := reconnectInitialDelay

	for {
		c.connMu.Lock()
		if c.closed {
			c.connMu.Unlock()
			return
		}
		c.connMu.Unlock()

		time.Sleep(delay)

		if err := c.dial(); err != nil {
			c.logger.Warn("platform reconnect failed", "error", err, "retry_in", delay.String())
			delay *= 2
			if delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
			continue
		}

		c.restoreSubscriptions()
		c.logger.Debug("platform connection restored")
		go c.readLoop()
		return
	}
}

// restoreSubscriptions re-issues subscribe_events for every tracked type.
func (c *WSClient) restoreSubscriptions() {
	c.handlerMu.Lock()
	var types []string
	for eventType := range c.subscribed {
		types = append(types, eventType)
	}
	c.handlerMu.Unlock()

	for _, eventType := range types {
		ctx, cancel := context.WithTimeout(context.Background(), defaultCommandTimeout)
		_, err := c.roundTrip(ctx, wsCommand{Type: cmdSubscribeEvents, EventType: eventType})
		cancel()
		if err != nil {
			c.logger.Warn("restoring event subscription failed",
				"event_type", eventType,
				"error", err,
			)
		}
	}
}

// Close shuts the client down. Pending commands fail with ErrNotConnected;
// no reconnection is attempted afterwards.
func (c *WSClient) Close() error {
	c.connMu.Lock()
	c.closed = true
	c.connected = false
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	c.failPending(ErrNotConnected)

	if conn == nil {
		return nil
	}

	// Best-effort close frame before tearing down the socket.
	deadline := time.Now().Add(writeTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, //nolint:errcheck
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)

	return conn.Close()
}

// IsConnected reports the last known connection state.
func (c *WSClient) IsConnected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.connected
}

// roundTrip sends a command and waits for its correlated result.
func (c *WSClient) roundTrip(ctx context.Context, cmd wsCommand) (json.RawMessage, error) {
	c.connMu.Lock()
	conn := c.conn
	connected := c.connected
	c.connMu.Unlock()
	if !connected || conn == nil {
		return nil, ErrNotConnected
	}

	cmd.ID = uuid.NewString()
	ch := make(chan pendingResult, 1)

	c.pendingMu.Lock()
	c.pending[cmd.ID] = ch
	c.pendingMu.Unlock()

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
	err := conn.WriteJSON(cmd)
	c.writeMu.Unlock()
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, cmd.ID)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("%w: writing command: %w", ErrNotConnected, err)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCommandTimeout)
		defer cancel()
	}

	select {
	case res := <-ch:
		return res.result, res.err
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, cmd.ID)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("command %s: %w", cmd.Type, ctx.Err())
	}
}

// list runs a registry list command and decodes its result.
func list[T any](ctx context.Context, c *WSClient, command string) ([]T, error) {
	raw, err := c.roundTrip(ctx, wsCommand{Type: command})
	if err != nil {
		return nil, err
	}
	var out []T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding %s result: %w", command, err)
	}
	return out, nil
}

// Snapshot fetches all registries and states in one pass.
func (c *WSClient) Snapshot(ctx context.Context) (*Snapshot, error) {
	entities, err := list[Entity](ctx, c, cmdEntityRegistryList)
	if err != nil {
		return nil, fmt.Errorf("listing entities: %w", err)
	}
	devices, err := list[Device](ctx, c, cmdDeviceRegistryList)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	areas, err := list[Area](ctx, c, cmdAreaRegistryList)
	if err != nil {
		return nil, fmt.Errorf("listing areas: %w", err)
	}
	floors, err := list[Floor](ctx, c, cmdFloorRegistryList)
	if err != nil {
		return nil, fmt.Errorf("listing floors: %w", err)
	}
	labels, err := list[Label](ctx, c, cmdLabelRegistryList)
	if err != nil {
		return nil, fmt.Errorf("listing labels: %w", err)
	}
	states, err := list[State](ctx, c, cmdGetStates)
	if err != nil {
		return nil, fmt.Errorf("listing states: %w", err)
	}

	return NewSnapshot(entities, devices, areas, floors, labels, states), nil
}

// GetState fetches the state of one entity. Absence is not an error.
func (c *WSClient) GetState(ctx context.Context, entityID string) (*State, bool, error) {
	states, err := list[State](ctx, c, cmdGetStates)
	if err != nil {
		return nil, false, err
	}
	for i := range states {
		if states[i].EntityID == entityID {
			return &states[i], true, nil
		}
	}
	return nil, false, nil
}

// CallService dispatches a service call. Targets (entity_id, area_id, ...)
// travel inside data.
func (c *WSClient) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	_, err := c.roundTrip(ctx, wsCommand{
		Type:        cmdCallService,
		Domain:      domain,
		Service:     service,
		ServiceData: data,
	})
	return err
}

// Command runs an arbitrary typed command with extra payload fields and
// returns its raw result. Integration-specific commands (the zha/group/*
// family) go through here.
func (c *WSClient) Command(ctx context.Context, msgType string, payload map[string]any) (json.RawMessage, error) {
	return c.roundTrip(ctx, wsCommand{Type: msgType, Extra: payload})
}

// SubscribeEvents registers a handler for an event type. The server-side
// subscription is established once per type and kept across reconnects.
func (c *WSClient) SubscribeEvents(eventType string, handler func(Event)) (func(), error) {
	c.handlerMu.Lock()
	needSubscribe := !c.subscribed[eventType]
	if needSubscribe {
		c.subscribed[eventType] = true
	}
	if c.handlers[eventType] == nil {
		c.handlers[eventType] = make(map[string]func(Event))
	}
	token := uuid.NewString()
	c.handlers[eventType][token] = handler
	c.handlerMu.Unlock()

	if needSubscribe {
		ctx, cancel := context.WithTimeout(context.Background(), defaultCommandTimeout)
		defer cancel()
		if _, err := c.roundTrip(ctx, wsCommand{Type: cmdSubscribeEvents, EventType: eventType}); err != nil {
			c.handlerMu.Lock()
			delete(c.handlers[eventType], token)
			delete(c.subscribed, eventType)
			c.handlerMu.Unlock()
			return nil, err
		}
	}

	cancelFn := func() {
		c.handlerMu.Lock()
		delete(c.handlers[eventType], token)
		c.handlerMu.Unlock()
	}
	return cancelFn, nil
}
