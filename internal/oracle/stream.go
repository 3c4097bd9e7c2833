package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamBaseDelay   = 1 * time.Second
	streamMaxDelay    = 60 * time.Second
	streamMaxRetries  = 10
	streamReadTimeout = 60 * time.Second

	// DefaultStaleAfter is how long a streamed price stays usable.
	DefaultStaleAfter = 2 * time.Minute
)

var errNoStreamPrice = errors.New("no streamed price yet")

// StreamConfig describes a push feed that emits JSON messages carrying a
// last-trade price.
type StreamConfig struct {
	Name string
	URL  string
	// Subscribe is sent verbatim after each (re)connect when non-empty.
	Subscribe string
	// PriceField is the top-level JSON key holding the price; "price" by default.
	// Numeric and string values are both accepted.
	PriceField string
	StaleAfter time.Duration
	// Validate rejects implausible prices; nil accepts any positive price.
	Validate func(float64) bool
}

// StreamSource keeps the latest price pushed over a WebSocket and serves it
// until it goes stale. It reconnects with exponential backoff.
type StreamSource struct {
	cfg StreamConfig
	now func() time.Time

	mu        sync.RWMutex
	conn      *websocket.Conn
	price     float64
	updatedAt time.Time
	connected bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewStreamSource(cfg StreamConfig) *StreamSource {
	if cfg.PriceField == "" {
		cfg.PriceField = "price"
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Name == "" {
		cfg.Name = "stream"
	}
	return &StreamSource{cfg: cfg, now: time.Now}
}

func (s *StreamSource) Name() string { return s.cfg.Name }

// Fetch returns the last streamed price if it is fresh enough.
func (s *StreamSource) Fetch(context.Context) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.updatedAt.IsZero() {
		return 0, errNoStreamPrice
	}
	if age := s.now().Sub(s.updatedAt); age > s.cfg.StaleAfter {
		return 0, fmt.Errorf("streamed price is stale (%s old)", age.Truncate(time.Second))
	}
	return s.price, nil
}

// Start begins the connection loop in the background.
func (s *StreamSource) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.connectionLoop(ctx)
}

// Stop closes the connection and waits for the loop to exit.
func (s *StreamSource) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.closeConnection()
	s.wg.Wait()
}

// IsConnected returns connection status
func (s *StreamSource) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *StreamSource) connectionLoop(ctx context.Context) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Price stream panic recovered", slog.String("source", s.cfg.Name), slog.Any("panic", r))
		}
	}()

	retryCount := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.connect(ctx); err != nil {
			slog.Warn("Price stream connection failed",
				slog.String("source", s.cfg.Name),
				slog.Any("error", err),
				slog.Int("retry", retryCount),
			)

			delay := backoff(retryCount)
			retryCount++
			if retryCount > streamMaxRetries {
				retryCount = 0
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		retryCount = 0
		s.readLoop(ctx)
	}
}

func backoff(retryCount int) time.Duration {
	delay := streamBaseDelay * time.Duration(math.Pow(2, float64(retryCount)))
	if delay > streamMaxDelay {
		delay = streamMaxDelay
	}
	return delay
}

func (s *StreamSource) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	header := make(http.Header)
	header.Add("User-Agent", userAgent)

	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	if s.cfg.Subscribe != "" {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(s.cfg.Subscribe)); err != nil {
			conn.Close()
			return fmt.Errorf("subscribe failed: %w", err)
		}
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.mu.Unlock()

	slog.Info("Price stream connected", slog.String("source", s.cfg.Name))
	return nil
}

func (s *StreamSource) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("Price stream read error", slog.String("source", s.cfg.Name), slog.Any("error", err))
			}
			s.closeConnection()
			return
		}

		s.handleMessage(message)
	}
}

func (s *StreamSource) handleMessage(message []byte) {
	p, err := parsePrice(message, s.cfg.PriceField)
	if err != nil {
		slog.Debug("Price stream message skipped", slog.String("source", s.cfg.Name), slog.Any("error", err))
		return
	}
	if !(p > 0) || (s.cfg.Validate != nil && !s.cfg.Validate(p)) {
		slog.Warn("Price stream rejected implausible price", slog.String("source", s.cfg.Name), slog.Float64("price", p))
		return
	}

	s.mu.Lock()
	s.price = p
	s.updatedAt = s.now()
	s.mu.Unlock()
}

func parsePrice(message []byte, field string) (float64, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(message, &fields); err != nil {
		return 0, err
	}
	raw, ok := fields[field]
	if !ok {
		return 0, fmt.Errorf("field %q missing", field)
	}
	return strconv.ParseFloat(strings.Trim(string(raw), `"`), 64)
}

func (s *StreamSource) closeConnection() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connected = false
}
