package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"option_trader/internal/core"
	"option_trader/internal/protocol"
	apperrors "option_trader/pkg/errors"
	"option_trader/pkg/telemetry"
	"option_trader/pkg/websocket"
)

type pendingResult struct {
	msg *protocol.Message
	err error
}

type pendingRequest struct {
	ch     chan pendingResult
	timer  *time.Timer
	sentAt time.Time
}

type outboundFrame struct {
	req      protocol.Request
	reqID    int64
	deadline time.Time
}

const (
	authPending int32 = iota
	authOK
	authFailed
)

// managedSession owns one upstream socket. Outbound frames flow through a
// bounded queue drained by a single writer that holds until the session is
// authorized; inbound unsolicited frames flow through a bounded dispatch
// queue drained by a single dispatcher, which keeps tick delivery ordered
// and pauses the read loop when handlers fall behind.
type managedSession struct {
	mgr       *Manager
	accountID string
	logger    core.ILogger

	tokenMu sync.Mutex
	token   string

	client *websocket.Client

	reqID   int64
	mu      sync.Mutex
	pending map[int64]*pendingRequest

	outbound chan outboundFrame
	dispatch chan *protocol.Message

	gateMu   sync.Mutex
	gateCh   chan struct{}
	gateOpen bool

	lmu             sync.RWMutex
	streamListeners []core.StreamingHandler
	readyListeners  []core.ConnectionReadyHandler

	infoMu sync.RWMutex
	info   *core.SessionInfo

	authState int32
	authErr   error
	authCh    chan struct{}

	closedCh  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newManagedSession(mgr *Manager, accountID, token string) *managedSession {
	s := &managedSession{
		mgr:       mgr,
		accountID: accountID,
		token:     token,
		logger:    mgr.logger.WithField("account", accountID),
		pending:   make(map[int64]*pendingRequest),
		outbound:  make(chan outboundFrame, mgr.cfg.OutboundQueueSize),
		dispatch:  make(chan *protocol.Message, mgr.cfg.MaxInflightInbound),
		gateCh:    make(chan struct{}),
		authCh:    make(chan struct{}),
		closedCh:  make(chan struct{}),
	}

	client := websocket.NewClient(mgr.upstream, s.handleMessage, s.logger)
	client.SetBackoff(
		time.Duration(mgr.cfg.ReconnectBaseMS)*time.Millisecond,
		time.Duration(mgr.cfg.ReconnectMaxMS)*time.Millisecond,
	)
	client.SetHeartbeat(
		time.Duration(mgr.cfg.IdleThresholdMS)*time.Millisecond,
		time.Duration(mgr.cfg.PongDeadlineMS)*time.Millisecond,
	)
	client.SetOnConnected(func(isReconnect bool) {
		// The authorize round-trip needs the read loop, which starts only
		// after this callback returns.
		go s.handleConnected(isReconnect)
	})
	client.SetOnDisconnected(s.handleDisconnected)
	s.client = client

	return s
}

func (s *managedSession) start() {
	s.wg.Add(2)
	go s.writer()
	go s.dispatcher()
	s.client.Start()
}

func (s *managedSession) close() {
	s.closeOnce.Do(func() {
		close(s.closedCh)
		s.client.Stop()
		s.failAllPending(core.WrapError(core.KindConnectionLost, apperrors.ErrSessionClosed, "pending request abandoned"))
		s.wg.Wait()
	})
}

func (s *managedSession) refreshToken(token string) {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()
	if token != "" && token != s.token {
		s.token = token
	}
}

func (s *managedSession) currentToken() string {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()
	return s.token
}

func (s *managedSession) sessionInfo() *core.SessionInfo {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	if s.info == nil {
		return nil
	}
	cp := *s.info
	return &cp
}

func (s *managedSession) setInfo(info *core.SessionInfo) {
	s.infoMu.Lock()
	s.info = info
	s.infoMu.Unlock()
}

// waitAuthorized blocks until the first authorization resolves.
func (s *managedSession) waitAuthorized(ctx context.Context) (*core.SessionInfo, error) {
	select {
	case <-s.authCh:
		if atomic.LoadInt32(&s.authState) == authOK {
			return s.sessionInfo(), nil
		}
		err := s.authErr
		if err == nil {
			err = core.NewError(core.KindAuth, "authorization failed")
		}
		return nil, err
	case <-ctx.Done():
		return nil, core.WrapError(core.KindRequestTimeout, ctx.Err(), "authorization wait cancelled")
	case <-s.closedCh:
		return nil, core.WrapError(core.KindConnectionLost, apperrors.ErrSessionClosed, "authorization wait abandoned")
	}
}

func (s *managedSession) sendRequest(ctx context.Context, req protocol.Request, deadline time.Duration) (*protocol.Message, error) {
	if atomic.LoadInt32(&s.authState) == authFailed {
		return nil, core.NewErrorf(core.KindAuth, "session for %s failed authorization", s.accountID)
	}

	id := atomic.AddInt64(&s.reqID, 1)
	req = req.WithReqID(id)
	pr := s.registerPending(id, deadline)

	frame := outboundFrame{req: req, reqID: id, deadline: time.Now().Add(deadline)}
	select {
	case s.outbound <- frame:
	default:
		s.takePending(id)
		return nil, core.NewErrorf(core.KindQueueFull, "outbound queue full (%d) for account %s", cap(s.outbound), s.accountID)
	}

	select {
	case res := <-pr.ch:
		return res.msg, res.err
	case <-ctx.Done():
		s.takePending(id)
		return nil, core.WrapError(core.KindRequestTimeout, ctx.Err(), "request cancelled")
	case <-s.closedCh:
		return nil, core.WrapError(core.KindConnectionLost, apperrors.ErrSessionClosed, "request abandoned")
	}
}

func (s *managedSession) sendFireAndForget(req protocol.Request) error {
	if atomic.LoadInt32(&s.authState) == authFailed {
		return core.NewErrorf(core.KindAuth, "session for %s failed authorization", s.accountID)
	}

	id := atomic.AddInt64(&s.reqID, 1)
	req = req.WithReqID(id)
	deadline := time.Now().Add(time.Duration(s.mgr.cfg.RequestTimeoutMS) * time.Millisecond)

	select {
	case s.outbound <- outboundFrame{req: req, deadline: deadline}:
		return nil
	default:
		return core.NewErrorf(core.KindQueueFull, "outbound queue full (%d) for account %s", cap(s.outbound), s.accountID)
	}
}

func (s *managedSession) addStreamingListener(fn core.StreamingHandler) {
	s.lmu.Lock()
	s.streamListeners = append(s.streamListeners, fn)
	s.lmu.Unlock()
}

func (s *managedSession) addReadyListener(fn core.ConnectionReadyHandler) {
	s.lmu.Lock()
	s.readyListeners = append(s.readyListeners, fn)
	s.lmu.Unlock()
}

// roundTrip sends a frame directly, bypassing the outbound queue and the
// ready gate. Only the authorize handshake uses it.
func (s *managedSession) roundTrip(req protocol.Request, timeout time.Duration) (*protocol.Message, error) {
	id := atomic.AddInt64(&s.reqID, 1)
	req = req.WithReqID(id)
	pr := s.registerPending(id, timeout)
	s.markSent(id)

	if err := s.client.Send(req); err != nil {
		s.takePending(id)
		return nil, core.WrapError(core.KindConnectionLost, err, "handshake send failed")
	}

	select {
	case res := <-pr.ch:
		return res.msg, res.err
	case <-s.closedCh:
		return nil, core.WrapError(core.KindConnectionLost, apperrors.ErrSessionClosed, "handshake abandoned")
	}
}

func (s *managedSession) handleConnected(isReconnect bool) {
	timeout := time.Duration(s.mgr.cfg.RequestTimeoutMS) * time.Millisecond
	resp, err := s.roundTrip(protocol.Authorize(s.currentToken()), timeout)
	if err != nil {
		// Transient: the reconnect loop will produce another attempt.
		s.logger.Warn("authorize round-trip failed", "error", err)
		return
	}

	if resp.Err != nil {
		authErr := core.NewErrorf(core.KindAuth, "authorization rejected: %s (%s)", resp.Err.Message, resp.Err.Code)
		s.logger.Error("authorization failed permanently", "code", resp.Err.Code, "message", resp.Err.Message)
		s.failTerminally(authErr)
		return
	}

	payload, err := resp.DecodeAuthorize()
	if err != nil {
		s.logger.Warn("authorize response undecodable", "error", err)
		return
	}
	if payload.LoginID != s.accountID {
		authErr := core.NewErrorf(core.KindAuth, "token authorizes %s, expected %s", payload.LoginID, s.accountID)
		s.logger.Error("authorization account mismatch", "got", payload.LoginID, "want", s.accountID)
		s.failTerminally(authErr)
		return
	}

	accountType := core.AccountTypeReal
	if payload.IsVirtual == 1 {
		accountType = core.AccountTypeDemo
	}
	s.resolveAuthSuccess(&core.SessionInfo{
		AccountID:  payload.LoginID,
		Authorized: true,
		Type:       accountType,
		Currency:   payload.Currency,
		Balance:    payload.Balance,
	})

	s.openGate()
	s.fireReady(isReconnect)
	s.logger.Info("session authorized", "reconnect", isReconnect, "currency", payload.Currency)
}

func (s *managedSession) failTerminally(authErr error) {
	s.resolveAuthFailure(authErr)
	s.mgr.noteAuthFailure(s.accountID, authErr)
	go s.mgr.remove(s.accountID, s)
}

func (s *managedSession) handleDisconnected(err error) {
	s.resetGate()
	s.failAllPending(core.WrapError(core.KindConnectionLost, err, "connection lost"))
	telemetry.GetGlobalMetrics().SessionReconnects.Add(context.Background(), 1)
	s.mgr.noteReconnect(s.accountID)
}

func (s *managedSession) resolveAuthSuccess(info *core.SessionInfo) {
	s.setInfo(info)
	if atomic.CompareAndSwapInt32(&s.authState, authPending, authOK) {
		close(s.authCh)
		return
	}
	atomic.StoreInt32(&s.authState, authOK)
}

func (s *managedSession) resolveAuthFailure(err error) {
	if atomic.CompareAndSwapInt32(&s.authState, authPending, authFailed) {
		s.authErr = err
		close(s.authCh)
		return
	}
	atomic.StoreInt32(&s.authState, authFailed)
}

func (s *managedSession) fireReady(isReconnect bool) {
	s.lmu.RLock()
	listeners := append([]core.ConnectionReadyHandler(nil), s.readyListeners...)
	s.lmu.RUnlock()
	for _, fn := range listeners {
		fn(isReconnect)
	}
}

// handleMessage runs on the socket read goroutine. Correlated responses
// resolve their waiter inline; everything else goes through the dispatch
// queue, whose bounded capacity is what pauses reads under load.
func (s *managedSession) handleMessage(raw []byte, receivedAt time.Time) {
	msg, err := protocol.Decode(raw, receivedAt, time.Now())
	if err != nil {
		s.logger.Warn("undecodable inbound frame", "error", err)
		return
	}

	if msg.ReqID != 0 {
		if pr := s.takePending(msg.ReqID); pr != nil {
			if !pr.sentAt.IsZero() {
				ms := float64(time.Since(pr.sentAt).Microseconds()) / 1000.0
				telemetry.GetGlobalMetrics().SessionSendToAck.Record(context.Background(), ms)
				s.mgr.noteAckLatency(ms)
			}
			pr.ch <- pendingResult{msg: msg}
			return
		}
		// Subscription frames echo the subscribe request id; fall through.
	}

	select {
	case s.dispatch <- msg:
	case <-s.closedCh:
	}
}

func (s *managedSession) dispatcher() {
	defer s.wg.Done()
	for {
		select {
		case <-s.closedCh:
			return
		case msg := <-s.dispatch:
			s.fanout(msg)
		}
	}
}

func (s *managedSession) fanout(msg *protocol.Message) {
	s.lmu.RLock()
	listeners := append([]core.StreamingHandler(nil), s.streamListeners...)
	s.lmu.RUnlock()
	for _, fn := range listeners {
		fn(msg)
	}
}

func (s *managedSession) writer() {
	defer s.wg.Done()
	for {
		select {
		case <-s.closedCh:
			return
		case f := <-s.outbound:
			s.writeFrame(f)
		}
	}
}

// writeFrame waits for the ready gate, then writes. Frames whose deadline
// passes while queued are dropped; their waiters are resolved by the
// request timer.
func (s *managedSession) writeFrame(f outboundFrame) {
	for {
		var deadlineCh <-chan time.Time
		var timer *time.Timer
		if !f.deadline.IsZero() {
			d := time.Until(f.deadline)
			if d <= 0 {
				s.logger.Debug("dropping expired outbound frame", "req_id", f.reqID)
				return
			}
			timer = time.NewTimer(d)
			deadlineCh = timer.C
		}

		select {
		case <-s.closedCh:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-deadlineCh:
			s.logger.Debug("dropping expired outbound frame", "req_id", f.reqID)
			return
		case <-s.gateChan():
			if timer != nil {
				timer.Stop()
			}
		}

		if f.reqID != 0 {
			s.markSent(f.reqID)
		}
		if err := s.client.Send(f.req); err != nil {
			// Connection flapped between gate and write; wait for the
			// next gate cycle.
			s.logger.Warn("outbound write failed", "req_id", f.reqID, "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		return
	}
}

func (s *managedSession) registerPending(id int64, deadline time.Duration) *pendingRequest {
	pr := &pendingRequest{ch: make(chan pendingResult, 1)}
	pr.timer = time.AfterFunc(deadline, func() {
		if p := s.takePending(id); p != nil {
			p.ch <- pendingResult{err: core.NewErrorf(core.KindRequestTimeout, "request %d timed out after %s", id, deadline)}
		}
	})

	s.mu.Lock()
	s.pending[id] = pr
	s.mu.Unlock()
	return pr
}

func (s *managedSession) takePending(id int64) *pendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.pending[id]
	if !ok {
		return nil
	}
	delete(s.pending, id)
	pr.timer.Stop()
	return pr
}

func (s *managedSession) markSent(id int64) {
	s.mu.Lock()
	if pr, ok := s.pending[id]; ok {
		pr.sentAt = time.Now()
	}
	s.mu.Unlock()
}

func (s *managedSession) failAllPending(err error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[int64]*pendingRequest)
	s.mu.Unlock()

	for _, pr := range pending {
		pr.timer.Stop()
		pr.ch <- pendingResult{err: err}
	}
}

func (s *managedSession) gateChan() <-chan struct{} {
	s.gateMu.Lock()
	defer s.gateMu.Unlock()
	return s.gateCh
}

func (s *managedSession) openGate() {
	s.gateMu.Lock()
	defer s.gateMu.Unlock()
	if !s.gateOpen {
		close(s.gateCh)
		s.gateOpen = true
	}
}

func (s *managedSession) resetGate() {
	s.gateMu.Lock()
	defer s.gateMu.Unlock()
	s.gateCh = make(chan struct{})
	s.gateOpen = false
}
