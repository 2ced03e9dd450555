package refulearn

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Event Payload Types
// ============================================================================

// AuthenticatedPayload is sent when a real-time connection is authenticated.
type AuthenticatedPayload struct {
	UserID string `json:"userId"`
	Email  string `json:"email,omitempty"`
}

// ProgressUpdatedPayload carries the server's progress for one course.
type ProgressUpdatedPayload struct {
	CourseID string         `json:"courseId"`
	Progress ServerProgress `json:"progress"`
}

// CourseUpdatedPayload announces that a course snapshot changed.
type CourseUpdatedPayload struct {
	CourseID string `json:"courseId"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// RealtimeEnvelope is the wire format for all real-time events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the real-time client.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	PingTimeout          time.Duration
	Logger               *zap.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// RealtimeEventHandler is the generic event callback type.
type RealtimeEventHandler func(eventType string, payload json.RawMessage)

type eventDispatcher struct {
	mu              sync.RWMutex
	generic         map[string][]RealtimeEventHandler
	onAuthenticated []func(AuthenticatedPayload)
	onProgress      []func(ProgressUpdatedPayload)
	onCourse        []func(CourseUpdatedPayload)
	onConnected     []func()
	onDisconnected  []func(int, string)
	onReconnecting  []func(int, time.Duration)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		generic: make(map[string][]RealtimeEventHandler),
	}
}

func (d *eventDispatcher) dispatch(env RealtimeEnvelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Type {
	case "authenticated":
		var p AuthenticatedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onAuthenticated {
				go h(p)
			}
		}
	case "progress.updated":
		var p ProgressUpdatedPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.CourseID != "" {
			for _, h := range d.onProgress {
				go h(p)
			}
		}
	case "course.updated":
		var p CourseUpdatedPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.CourseID != "" {
			for _, h := range d.onCourse {
				go h(p)
			}
		}
	}

	for _, h := range d.generic[env.Type] {
		go h(env.Type, env.Payload)
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(code, reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

// nextDelay returns the wait before the next attempt and the attempt number.
// A connection that stayed up for a minute resets the backoff.
func (r *reconnector) nextDelay() (time.Duration, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay, r.attempt
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is a WebSocket push channel from the API with heartbeat and
// auto-reconnect. Its connection state doubles as a connectivity signal.
type RealtimeClient struct {
	baseURL          string
	config           *RealtimeConfig
	logger           *zap.Logger
	conn             *websocket.Conn
	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	dispatcher       *eventDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
	pingCounter      int
	pendingPings     map[string]chan PongPayload
	pendingMu        sync.Mutex
}

// NewRealtimeClient creates a client for the API at baseURL.
func NewRealtimeClient(baseURL string, config *RealtimeConfig) *RealtimeClient {
	if config == nil {
		config = &RealtimeConfig{}
	}
	config.defaults()
	return &RealtimeClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		config:       config,
		logger:       config.Logger,
		state:        StateDisconnected,
		dispatcher:   newEventDispatcher(),
		recon:        newReconnector(config),
		pendingPings: make(map[string]chan PongPayload),
	}
}

// OnAuthenticated registers a handler for the authenticated event.
func (rt *RealtimeClient) OnAuthenticated(h func(AuthenticatedPayload)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onAuthenticated = append(rt.dispatcher.onAuthenticated, h)
	rt.dispatcher.mu.Unlock()
}

// OnProgressUpdated registers a handler for pushed course progress.
func (rt *RealtimeClient) OnProgressUpdated(h func(ProgressUpdatedPayload)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onProgress = append(rt.dispatcher.onProgress, h)
	rt.dispatcher.mu.Unlock()
}

// OnCourseUpdated registers a handler for course change notices.
func (rt *RealtimeClient) OnCourseUpdated(h func(CourseUpdatedPayload)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onCourse = append(rt.dispatcher.onCourse, h)
	rt.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (rt *RealtimeClient) OnConnected(h func()) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onConnected = append(rt.dispatcher.onConnected, h)
	rt.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (rt *RealtimeClient) OnDisconnected(h func(code int, reason string)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onDisconnected = append(rt.dispatcher.onDisconnected, h)
	rt.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (rt *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onReconnecting = append(rt.dispatcher.onReconnecting, h)
	rt.dispatcher.mu.Unlock()
}

// On registers a generic event handler.
func (rt *RealtimeClient) On(eventType string, h RealtimeEventHandler) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.generic[eventType] = append(rt.dispatcher.generic[eventType], h)
	rt.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (rt *RealtimeClient) State() RealtimeState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

func (rt *RealtimeClient) setState(s RealtimeState) {
	rt.mu.Lock()
	rt.state = s
	rt.mu.Unlock()
}

func (rt *RealtimeClient) wsURL() string {
	u := strings.Replace(rt.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws?token=" + url.QueryEscape(rt.config.Token)
}

// Connect dials the server and waits for the authenticated event.
func (rt *RealtimeClient) Connect(ctx context.Context) error {
	rt.mu.Lock()
	if rt.state == StateConnected || rt.state == StateConnecting {
		rt.mu.Unlock()
		return nil
	}
	rt.state = StateConnecting
	rt.intentionalClose = false
	rt.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, rt.wsURL(), nil)
	if err != nil {
		rt.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		rt.setState(StateDisconnected)
		return fmt.Errorf("read auth message: %w", err)
	}

	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		rt.setState(StateDisconnected)
		return fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	rt.mu.Lock()
	rt.conn = conn
	rt.state = StateConnected
	rt.cancelFn = cancel
	rt.mu.Unlock()
	rt.recon.markConnected()

	rt.dispatcher.dispatch(env)
	rt.dispatcher.emitConnected()

	go rt.readLoop(connCtx, conn)
	go rt.heartbeatLoop(connCtx)
	return nil
}

// Disconnect gracefully closes the connection.
func (rt *RealtimeClient) Disconnect() error {
	rt.mu.Lock()
	rt.intentionalClose = true
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	conn := rt.conn
	rt.conn = nil
	rt.state = StateDisconnected
	rt.mu.Unlock()

	rt.clearPendingPings()
	rt.dispatcher.emitDisconnected(int(websocket.StatusNormalClosure), "client disconnect")
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Subscribe asks the server to push progress for a course.
func (rt *RealtimeClient) Subscribe(ctx context.Context, courseID string) error {
	return rt.Send(ctx, &RealtimeCommand{
		Type:    "course.subscribe",
		Payload: map[string]string{"courseId": courseID},
	})
}

// Send sends a raw command over the WebSocket.
func (rt *RealtimeClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	rt.mu.Lock()
	conn := rt.conn
	rt.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for pong.
func (rt *RealtimeClient) Ping(ctx context.Context) (*PongPayload, error) {
	rt.mu.Lock()
	rt.pingCounter++
	requestID := fmt.Sprintf("ping-%d", rt.pingCounter)
	rt.mu.Unlock()

	ch := make(chan PongPayload, 1)
	rt.pendingMu.Lock()
	rt.pendingPings[requestID] = ch
	rt.pendingMu.Unlock()

	drop := func() {
		rt.pendingMu.Lock()
		delete(rt.pendingPings, requestID)
		rt.pendingMu.Unlock()
	}

	err := rt.Send(ctx, &RealtimeCommand{
		Type:    "ping",
		Payload: map[string]string{"requestId": requestID},
	})
	if err != nil {
		drop()
		return nil, err
	}

	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("connection closed")
		}
		return &pong, nil
	case <-time.After(rt.config.PingTimeout):
		drop()
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		drop()
		return nil, ctx.Err()
	}
}

func (rt *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.mu.Lock()
			intentional := rt.intentionalClose
			if !intentional {
				rt.state = StateDisconnected
				rt.conn = nil
			}
			rt.mu.Unlock()
			if intentional {
				return
			}

			rt.logger.Info("realtime connection lost", zap.Error(err))
			rt.clearPendingPings()
			rt.dispatcher.emitDisconnected(int(websocket.CloseStatus(err)), err.Error())

			if rt.config.AutoReconnect && rt.recon.shouldReconnect() {
				rt.scheduleReconnect()
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		if env.Type == "pong" {
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				rt.pendingMu.Lock()
				ch, ok := rt.pendingPings[p.RequestID]
				if ok {
					delete(rt.pendingPings, p.RequestID)
				}
				rt.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
		}

		rt.dispatcher.dispatch(env)
	}
}

func (rt *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(rt.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rt.State() != StateConnected {
				return
			}
			if _, err := rt.Ping(ctx); err != nil {
				rt.mu.Lock()
				conn := rt.conn
				rt.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (rt *RealtimeClient) scheduleReconnect() {
	for {
		delay, attempt := rt.recon.nextDelay()
		rt.setState(StateReconnecting)
		rt.dispatcher.emitReconnecting(attempt, delay)

		time.Sleep(delay)

		rt.mu.Lock()
		intentional := rt.intentionalClose
		rt.mu.Unlock()
		if intentional {
			return
		}

		rt.setState(StateDisconnected)
		err := rt.Connect(context.Background())
		if err == nil {
			return
		}
		rt.logger.Debug("realtime reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
		if !rt.config.AutoReconnect || !rt.recon.shouldReconnect() {
			rt.setState(StateDisconnected)
			return
		}
	}
}

func (rt *RealtimeClient) clearPendingPings() {
	rt.pendingMu.Lock()
	for k, ch := range rt.pendingPings {
		close(ch)
		delete(rt.pendingPings, k)
	}
	rt.pendingMu.Unlock()
}

// ============================================================================
// Offline manager binding
// ============================================================================

// AttachRealtime drives connectivity from the realtime channel and merges
// pushed progress into the local completion state. A deliberate Disconnect
// does not mark the manager offline.
func (o *OfflineManager) AttachRealtime(rt *RealtimeClient) {
	rt.OnConnected(func() { o.SetOnline(true) })
	rt.OnDisconnected(func(code int, _ string) {
		if code != int(websocket.StatusNormalClosure) {
			o.SetOnline(false)
		}
	})
	rt.OnProgressUpdated(func(p ProgressUpdatedPayload) {
		progress := p.Progress
		if _, err := o.ReconcileProgress(context.Background(), p.CourseID, &progress); err != nil {
			o.logger.Warn("reconcile pushed progress", zap.String("courseID", p.CourseID), zap.Error(err))
		}
	})
	rt.OnCourseUpdated(func(p CourseUpdatedPayload) {
		if _, err := o.FetchCourse(context.Background(), p.CourseID); err != nil {
			o.logger.Debug("refresh updated course", zap.String("courseID", p.CourseID), zap.Error(err))
		}
	})
}
