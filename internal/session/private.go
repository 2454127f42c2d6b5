// Package session owns the websocket connection lifecycles: credential
// acquisition, connect, subscription, receive loops and reconnection
// with jittered backoff. It routes decoded frames to registered
// listeners and never interprets them beyond classification.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gridflow/internal/codec"
	"gridflow/logger"
	"gridflow/models"
)

// PrivateConfig configures the authenticated session.
type PrivateConfig struct {
	URL string
	// DeadmanTimeout is the exchange-side auto-cancel timer in seconds.
	DeadmanTimeout int
	// HeartbeatInterval re-arms the timer; must be comfortably shorter
	// than DeadmanTimeout.
	HeartbeatInterval time.Duration
	BackoffSteps      []time.Duration
}

// PrivateSession maintains the authenticated connection, subscribes the
// executions channel, runs the dead-man's-switch heartbeat and fans
// decoded messages out to listeners.
type PrivateSession struct {
	cfg    PrivateConfig
	tokens *TokenClient

	mu      sync.RWMutex
	conn    *websocket.Conn
	running bool
	err     error

	writeMu sync.Mutex

	backoff *BackoffSchedule
	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	done    chan struct{}

	execSubs     []func(models.ExecutionEvent)
	execSnapSubs []func([]models.ExecutionEvent)
	replySubs    []func(*models.MethodReply)
	balanceSubs  []func(*models.ChannelMessage)
	connectSubs  []func()

	log *logger.Entry
}

// NewPrivateSession creates the session. Defaults: 60s dead man's
// switch, re-armed every 15s.
func NewPrivateSession(cfg PrivateConfig, tokens *TokenClient) *PrivateSession {
	if cfg.DeadmanTimeout <= 0 {
		cfg.DeadmanTimeout = 60
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	return &PrivateSession{
		cfg:     cfg,
		tokens:  tokens,
		backoff: NewBackoffSchedule(cfg.BackoffSteps),
		wg:      &sync.WaitGroup{},
		done:    make(chan struct{}),
		log:     logger.GetLogger().WithComponent("private_session"),
	}
}

// OnExecution registers a listener for individual execution events.
func (s *PrivateSession) OnExecution(fn func(models.ExecutionEvent)) {
	s.execSubs = append(s.execSubs, fn)
}

// OnExecutionSnapshot registers a listener for the open-order snapshot
// delivered when the executions channel (re)subscribes; this is the
// reconciliation input after a reconnect.
func (s *PrivateSession) OnExecutionSnapshot(fn func([]models.ExecutionEvent)) {
	s.execSnapSubs = append(s.execSnapSubs, fn)
}

// OnReply registers a listener for command acknowledgements.
func (s *PrivateSession) OnReply(fn func(*models.MethodReply)) {
	s.replySubs = append(s.replySubs, fn)
}

// OnBalances registers a listener for balances channel frames.
func (s *PrivateSession) OnBalances(fn func(*models.ChannelMessage)) {
	s.balanceSubs = append(s.balanceSubs, fn)
}

// OnConnect registers a listener fired after every successful connect
// and subscription, including reconnects.
func (s *PrivateSession) OnConnect(fn func()) {
	s.connectSubs = append(s.connectSubs, fn)
}

// Start validates credentials by fetching a token, then launches the
// connection loop. An authentication failure is returned immediately so
// startup can abort; everything else is retried inside the loop.
func (s *PrivateSession) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("private session already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if _, err := s.tokens.Token(s.ctx); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("initial token fetch: %w", err)
	}

	s.log.WithFields(logger.Fields{"url": s.cfg.URL}).Info("starting private session")
	s.wg.Add(1)
	go s.run()
	return nil
}

// Stop disarms the exchange-side auto-cancel so resting orders survive
// the planned downtime, then tears the connection down.
func (s *PrivateSession) Stop() {
	s.log.Info("stopping private session")
	s.disarmDeadman()
	s.mu.Lock()
	s.running = false
	if s.cancel != nil {
		s.cancel()
	}
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	s.wg.Wait()
	s.log.Info("private session stopped")
}

// Done closes when the session has terminally stopped; Err reports why.
func (s *PrivateSession) Done() <-chan struct{} { return s.done }

// Err returns the terminal error, if any.
func (s *PrivateSession) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Send injects the auth token into the command parameters, encodes the
// frame and writes it to the connection.
func (s *PrivateSession) Send(method string, reqID int64, params interface{}) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("private session not connected")
	}

	token, err := s.tokens.Token(s.ctx)
	if err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}
	params = withToken(params, token)

	frame, err := codec.EncodeRequest(method, reqID, params)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("write %s: %w", method, err)
	}
	return nil
}

// withToken copies the token into the Token field of every private
// command shape. Unknown shapes pass through untouched.
func withToken(params interface{}, token string) interface{} {
	switch p := params.(type) {
	case models.AddOrderParams:
		p.Token = token
		return p
	case models.AmendOrderParams:
		p.Token = token
		return p
	case models.CancelOrderParams:
		p.Token = token
		return p
	case models.CancelAllParams:
		p.Token = token
		return p
	case models.CancelAfterParams:
		p.Token = token
		return p
	case models.SubscribeParams:
		p.Token = token
		return p
	default:
		return params
	}
}

// run is the connection lifecycle loop: token, dial, subscribe, arm the
// dead man's switch, heartbeat, receive, reconnect with jittered backoff.
func (s *PrivateSession) run() {
	defer s.wg.Done()
	defer close(s.done)
	log := s.log.WithFields(logger.Fields{"worker": "private_stream"})

	for {
		if s.ctx.Err() != nil {
			return
		}

		if _, err := s.tokens.Token(s.ctx); err != nil {
			if errors.Is(err, ErrAuth) {
				log.WithError(err).Error("credentials rejected, stopping private session")
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
				return
			}
			log.WithError(err).Warn("token refresh failed, will retry")
			if !s.wait(s.backoff.Next()) {
				return
			}
			continue
		}

		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		conn, _, err := dialer.DialContext(s.ctx, s.cfg.URL, nil)
		if err != nil {
			wait := s.backoff.Next()
			log.WithError(err).WithFields(logger.Fields{"wait": wait.String()}).Warn("private connect failed, retrying")
			logger.IncrementReconnect("private")
			if !s.wait(wait) {
				return
			}
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.backoff.Reset()
		log.Info("private websocket connected")

		if err := s.subscribe(); err != nil {
			log.WithError(err).Warn("subscription failed, reconnecting")
			s.dropConn(conn)
			continue
		}
		if err := s.armDeadman(); err != nil {
			log.WithError(err).Warn("failed to arm dead man's switch")
		}

		heartbeatDone := make(chan struct{})
		s.wg.Add(1)
		go s.heartbeatLoop(heartbeatDone)

		for _, fn := range s.connectSubs {
			fn()
		}

		s.readLoop(conn)
		close(heartbeatDone)
		s.dropConn(conn)
		if s.ctx.Err() != nil {
			return
		}
		logger.IncrementReconnect("private")
		if !s.wait(s.backoff.Next()) {
			return
		}
	}
}

func (s *PrivateSession) subscribe() error {
	snapshot := true
	if err := s.Send(models.MethodSubscribe, 0, models.SubscribeParams{
		Channel:  models.ChannelExecutions,
		Snapshot: &snapshot,
	}); err != nil {
		return err
	}
	if len(s.balanceSubs) > 0 {
		return s.Send(models.MethodSubscribe, 0, models.SubscribeParams{
			Channel: models.ChannelBalances,
		})
	}
	return nil
}

// armDeadman (re)arms the exchange-side auto-cancel timer.
func (s *PrivateSession) armDeadman() error {
	return s.Send(models.MethodCancelAfter, 0, models.CancelAfterParams{Timeout: s.cfg.DeadmanTimeout})
}

// disarmDeadman sets the timer to zero so a graceful shutdown does not
// force-cancel resting orders.
func (s *PrivateSession) disarmDeadman() {
	if err := s.Send(models.MethodCancelAfter, 0, models.CancelAfterParams{Timeout: 0}); err != nil {
		s.log.WithError(err).Warn("failed to disarm dead man's switch")
	}
}

// heartbeatLoop re-arms the auto-cancel timer more frequently than its
// timeout for as long as the connection lives.
func (s *PrivateSession) heartbeatLoop(done <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.armDeadman(); err != nil {
				s.log.WithError(err).Warn("heartbeat re-arm failed")
			}
		}
	}
}

func (s *PrivateSession) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				s.log.WithError(err).Warn("private read error, reconnecting")
			}
			return
		}
		s.dispatch(raw)
	}
}

func (s *PrivateSession) dispatch(raw []byte) {
	msg, err := codec.Decode(raw)
	if err != nil {
		s.log.WithError(err).Debug("undecodable private frame")
		return
	}
	switch msg.Kind {
	case codec.KindHeartbeat:
		return
	case codec.KindMethodReply:
		switch msg.Reply.Method {
		case models.MethodSubscribe, models.MethodUnsubscribe, models.MethodCancelAfter:
			if !msg.Reply.Success {
				s.log.WithFields(logger.Fields{"method": msg.Reply.Method, "error": msg.Reply.Error}).Warn("control request rejected")
			}
		default:
			for _, fn := range s.replySubs {
				fn(msg.Reply)
			}
		}
	case codec.KindChannel:
		if msg.Channel.Channel == models.ChannelBalances {
			for _, fn := range s.balanceSubs {
				fn(msg.Channel)
			}
			return
		}
		if msg.Channel.Channel != models.ChannelExecutions {
			return
		}
		evs, err := codec.DecodeExecutions(msg.Channel.Data)
		if err != nil {
			s.log.WithError(err).Warn("bad executions payload")
			return
		}
		if msg.Channel.Type == "snapshot" {
			for _, fn := range s.execSnapSubs {
				fn(evs)
			}
			return
		}
		for _, ev := range evs {
			for _, fn := range s.execSubs {
				fn(ev)
			}
		}
	}
}

func (s *PrivateSession) dropConn(conn *websocket.Conn) {
	conn.Close()
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
}

// wait sleeps for d or until the session context is cancelled.
func (s *PrivateSession) wait(d time.Duration) bool {
	if d <= 0 {
		return s.ctx.Err() == nil
	}
	select {
	case <-time.After(d):
		return true
	case <-s.ctx.Done():
		return false
	}
}
