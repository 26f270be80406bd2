package transmit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meridian-exchange/signer-go/pkg/apiClient"
)

// ErrSocketNotReady is returned by Submit while the connection is down.
var ErrSocketNotReady = errors.New("socket channel is not connected")

// DefaultSubmitTimeout bounds the wait for an acknowledgement when the
// caller's context carries no deadline.
const DefaultSubmitTimeout = 5 * time.Second

// SocketConfig holds the configuration for the socket channel.
type SocketConfig struct {
	// URL is the websocket endpoint, e.g. wss://api.meridian.exchange/stream/tx
	URL string
	// SubmitTimeout bounds each acknowledgement wait. Defaults to
	// DefaultSubmitTimeout.
	SubmitTimeout time.Duration
}

// socketRequest is one submission frame sent over the socket.
type socketRequest struct {
	Id     string `json:"id"`
	TxType uint8  `json:"tx_type"`
	TxInfo string `json:"tx_info"`
}

// socketAck is the per-request acknowledgement frame.
type socketAck struct {
	Id      string `json:"id"`
	Code    int32  `json:"code"`
	Message string `json:"message"`
	TxHash  string `json:"tx_hash"`
}

// SocketChannel submits transactions over a persistent websocket and matches
// acknowledgements to requests by id. The connection is redialed with
// exponential backoff after a failure; Ready reflects liveness so the router
// can fall through to another channel while the socket is down.
type SocketChannel struct {
	config *SocketConfig
	logger *zap.Logger

	ready atomic.Bool

	// mu guards conn writes and the pending map.
	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan socketAck

	closed    chan struct{}
	closeOnce sync.Once
}

// NewSocketChannel dials the socket endpoint and starts the read and redial
// loops. A failed initial dial is returned as an error; later disconnects
// are handled by redialing in the background.
func NewSocketChannel(cfg *SocketConfig, logger *zap.Logger) (*SocketChannel, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, fmt.Errorf("socket URL is required")
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultSubmitTimeout
	}

	conn, _, err := websocket.DefaultDialer.Dial(cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", cfg.URL, err)
	}

	s := &SocketChannel{
		config:  cfg,
		logger:  logger,
		pending: make(map[string]chan socketAck),
		closed:  make(chan struct{}),
	}
	go s.run(conn)
	return s, nil
}

func (s *SocketChannel) Name() string { return "socket" }

// Ready reports whether the socket is currently connected.
func (s *SocketChannel) Ready() bool {
	return s.ready.Load()
}

// Submit sends one signed payload and waits for its acknowledgement.
func (s *SocketChannel) Submit(ctx context.Context, txType apiClient.TxType, txInfo string) (string, error) {
	if !s.ready.Load() {
		return "", ErrSocketNotReady
	}

	req := &socketRequest{
		Id:     uuid.NewString(),
		TxType: uint8(txType),
		TxInfo: txInfo,
	}
	ackCh := make(chan socketAck, 1)

	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return "", ErrSocketNotReady
	}
	s.pending[req.Id] = ackCh
	err := conn.WriteJSON(req)
	s.mu.Unlock()

	if err != nil {
		s.dropPending(req.Id)
		return "", fmt.Errorf("socket write failed: %w", err)
	}

	timer := time.NewTimer(s.config.SubmitTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		s.dropPending(req.Id)
		return "", ctx.Err()
	case <-timer.C:
		s.dropPending(req.Id)
		return "", fmt.Errorf("timed out waiting for socket acknowledgement")
	case ack := <-ackCh:
		if ack.Code != apiClient.CodeOK {
			return "", &apiClient.APIError{Code: ack.Code, Message: ack.Message}
		}
		return ack.TxHash, nil
	}
}

// Close shuts the channel down; pending submissions fail with
// ErrSocketNotReady.
func (s *SocketChannel) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.mu.Unlock()
	})
}

// run owns the connection: it serves reads until failure, then redials with
// backoff until Close.
func (s *SocketChannel) run(conn *websocket.Conn) {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = 250 * time.Millisecond
	backoffCfg.MaxInterval = 10 * time.Second

	for {
		if conn == nil {
			select {
			case <-s.closed:
				return
			case <-time.After(backoffCfg.NextBackOff()):
			}
			c, _, err := websocket.DefaultDialer.Dial(s.config.URL, nil)
			if err != nil {
				s.logger.Warn("socket redial failed",
					zap.String("url", s.config.URL),
					zap.Error(err),
				)
				continue
			}
			conn = c
			backoffCfg.Reset()
			s.logger.Info("socket reconnected", zap.String("url", s.config.URL))
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.ready.Store(true)

		s.readLoop(conn)

		s.ready.Store(false)
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		s.failPending()
		_ = conn.Close()
		conn = nil

		select {
		case <-s.closed:
			return
		default:
		}
	}
}

// readLoop dispatches acknowledgement frames to their waiting submitters.
// It returns when the connection errors out.
func (s *SocketChannel) readLoop(conn *websocket.Conn) {
	for {
		ack := new(socketAck)
		if err := conn.ReadJSON(ack); err != nil {
			select {
			case <-s.closed:
			default:
				s.logger.Warn("socket read loop failed", zap.Error(err))
			}
			return
		}

		s.mu.Lock()
		ch := s.pending[ack.Id]
		delete(s.pending, ack.Id)
		s.mu.Unlock()

		if ch != nil {
			ch <- *ack
		}
	}
}

func (s *SocketChannel) dropPending(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// failPending unblocks every in-flight submitter after a disconnect. Each
// receives a not-ready error so the router can fall through.
func (s *SocketChannel) failPending() {
	s.mu.Lock()
	for id, ch := range s.pending {
		delete(s.pending, id)
		ch <- socketAck{Id: id, Code: -1, Message: ErrSocketNotReady.Error()}
	}
	s.mu.Unlock()
}
