package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gridflow/internal/codec"
	"gridflow/logger"
	"gridflow/models"
)

// PublicConfig configures the unauthenticated market-data session.
type PublicConfig struct {
	URL          string
	Symbol       string
	BookDepth    int
	Channels     []string
	BackoffSteps []time.Duration
}

// PublicSession maintains the market-data connection and distributes
// channel frames to listeners registered by channel name.
type PublicSession struct {
	cfg PublicConfig

	mu      sync.RWMutex
	conn    *websocket.Conn
	running bool

	writeMu sync.Mutex
	backoff *BackoffSchedule
	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup

	channelSubs map[string][]func(*models.ChannelMessage)

	log *logger.Entry
}

// NewPublicSession creates the session. Defaults: book depth 10, book
// and trade channels.
func NewPublicSession(cfg PublicConfig) *PublicSession {
	if cfg.BookDepth <= 0 {
		cfg.BookDepth = 10
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = []string{models.ChannelBook, models.ChannelTrade}
	}
	return &PublicSession{
		cfg:         cfg,
		backoff:     NewBackoffSchedule(cfg.BackoffSteps),
		wg:          &sync.WaitGroup{},
		channelSubs: make(map[string][]func(*models.ChannelMessage)),
		log:         logger.GetLogger().WithComponent("public_session"),
	}
}

// OnChannel registers a listener for a channel's data frames. Listeners
// run synchronously in the receive loop to preserve frame ordering.
func (s *PublicSession) OnChannel(channel string, fn func(*models.ChannelMessage)) {
	s.channelSubs[channel] = append(s.channelSubs[channel], fn)
}

// Start launches the connection loop.
func (s *PublicSession) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("public session already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.log.WithFields(logger.Fields{"url": s.cfg.URL, "symbol": s.cfg.Symbol, "channels": s.cfg.Channels}).Info("starting public session")
	s.wg.Add(1)
	go s.run()
	return nil
}

// Stop tears down the connection and waits for the loop to exit.
func (s *PublicSession) Stop() {
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
	s.log.Info("public session stopped")
}

// RequestBookResync re-subscribes the book channel so the exchange sends
// a fresh snapshot; wired to the mirror's resync callback.
func (s *PublicSession) RequestBookResync() {
	s.log.Warn("book resync requested")
	if err := s.send(models.MethodUnsubscribe, models.SubscribeParams{
		Channel: models.ChannelBook,
		Symbol:  []string{s.cfg.Symbol},
		Depth:   s.cfg.BookDepth,
	}); err != nil {
		s.log.WithError(err).Warn("book unsubscribe failed")
		return
	}
	if err := s.send(models.MethodSubscribe, models.SubscribeParams{
		Channel: models.ChannelBook,
		Symbol:  []string{s.cfg.Symbol},
		Depth:   s.cfg.BookDepth,
	}); err != nil {
		s.log.WithError(err).Warn("book resubscribe failed")
	}
}

func (s *PublicSession) send(method string, params interface{}) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("public session not connected")
	}
	frame, err := codec.EncodeRequest(method, 0, params)
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

func (s *PublicSession) run() {
	defer s.wg.Done()
	log := s.log.WithFields(logger.Fields{"worker": "public_stream"})

	for {
		if s.ctx.Err() != nil {
			return
		}

		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		conn, _, err := dialer.DialContext(s.ctx, s.cfg.URL, nil)
		if err != nil {
			wait := s.backoff.Next()
			log.WithError(err).WithFields(logger.Fields{"wait": wait.String()}).Warn("public connect failed, retrying")
			logger.IncrementReconnect("public")
			if !s.wait(wait) {
				return
			}
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.backoff.Reset()
		log.Info("public websocket connected")

		if err := s.subscribeAll(); err != nil {
			log.WithError(err).Warn("public subscription failed, reconnecting")
			s.dropConn(conn)
			continue
		}

		s.readLoop(conn)
		s.dropConn(conn)
		if s.ctx.Err() != nil {
			return
		}
		logger.IncrementReconnect("public")
		if !s.wait(s.backoff.Next()) {
			return
		}
	}
}

func (s *PublicSession) subscribeAll() error {
	for _, ch := range s.cfg.Channels {
		params := models.SubscribeParams{Channel: ch, Symbol: []string{s.cfg.Symbol}}
		if ch == models.ChannelBook {
			params.Depth = s.cfg.BookDepth
		}
		if err := s.send(models.MethodSubscribe, params); err != nil {
			return err
		}
	}
	return nil
}

func (s *PublicSession) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				s.log.WithError(err).Warn("public read error, reconnecting")
			}
			return
		}

		msg, err := codec.Decode(raw)
		if err != nil {
			s.log.WithError(err).Debug("undecodable public frame")
			continue
		}
		switch msg.Kind {
		case codec.KindHeartbeat:
			continue
		case codec.KindMethodReply:
			if !msg.Reply.Success {
				s.log.WithFields(logger.Fields{"method": msg.Reply.Method, "error": msg.Reply.Error}).Warn("public request rejected")
			}
		case codec.KindChannel:
			logger.IncrementMarketData(len(raw))
			for _, fn := range s.channelSubs[msg.Channel.Channel] {
				fn(msg.Channel)
			}
		}
	}
}

func (s *PublicSession) dropConn(conn *websocket.Conn) {
	conn.Close()
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
}

func (s *PublicSession) wait(d time.Duration) bool {
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
