package market

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"martingrid/logger"
)

const defaultStreamURL = "wss://fstream.binance.com/stream"

// subscriberBuffer is the per-stream channel depth. A full buffer drops the
// message and logs; there is no further backpressure policy at this boundary.
const subscriberBuffer = 1000

// TickHandler receives trade prints pushed by the stream.
type TickHandler func(Tick)

// KlineHandler receives candle updates pushed by the stream.
type KlineHandler func(Kline)

// Stream is the streaming-feed collaborator: a combined-streams websocket
// client that pushes ticks and klines into registered callbacks. It runs as
// an independent producer next to the trading loop.
type Stream struct {
	url  string
	conn *websocket.Conn
	mu   sync.RWMutex

	subscribers map[string]chan json.RawMessage
	onTick      TickHandler
	onKline     KlineHandler

	reconnect bool
	done      chan struct{}
}

// NewStream creates a stream client. An empty url uses the production
// combined-streams endpoint.
func NewStream(url string) *Stream {
	if url == "" {
		url = defaultStreamURL
	}
	return &Stream{
		url:         url,
		subscribers: make(map[string]chan json.RawMessage),
		reconnect:   true,
		done:        make(chan struct{}),
	}
}

// OnTick registers the tick push callback.
func (s *Stream) OnTick(h TickHandler) {
	s.mu.Lock()
	s.onTick = h
	s.mu.Unlock()
}

// OnKline registers the kline push callback.
func (s *Stream) OnKline(h KlineHandler) {
	s.mu.Lock()
	s.onKline = h
	s.mu.Unlock()
}

// Connect dials the combined-streams endpoint and starts the reader.
func (s *Stream) Connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(s.url, nil)
	if err != nil {
		return fmt.Errorf("stream connect: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	logger.Info("📡 Market stream connected")
	go s.readMessages()
	return nil
}

// SubscribeTicks subscribes to the aggregate-trade stream for a symbol.
func (s *Stream) SubscribeTicks(symbol string) error {
	stream := fmt.Sprintf("%s@aggTrade", strings.ToLower(symbol))
	ch := s.addSubscriber(stream)
	go s.consumeTicks(symbol, ch)
	return s.subscribeStreams([]string{stream})
}

// SubscribeKlines subscribes to the kline stream for a symbol and interval.
func (s *Stream) SubscribeKlines(symbol, interval string) error {
	stream := fmt.Sprintf("%s@kline_%s", strings.ToLower(symbol), interval)
	ch := s.addSubscriber(stream)
	go s.consumeKlines(symbol, interval, ch)
	return s.subscribeStreams([]string{stream})
}

func (s *Stream) addSubscriber(stream string) <-chan json.RawMessage {
	ch := make(chan json.RawMessage, subscriberBuffer)
	s.mu.Lock()
	s.subscribers[stream] = ch
	s.mu.Unlock()
	return ch
}

func (s *Stream) subscribeStreams(streams []string) error {
	msg := map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": streams,
		"id":     time.Now().UnixNano(),
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	return s.conn.WriteJSON(msg)
}

func (s *Stream) readMessages() {
	for {
		select {
		case <-s.done:
			return
		default:
			s.mu.RLock()
			conn := s.conn
			s.mu.RUnlock()

			if conn == nil {
				time.Sleep(1 * time.Second)
				continue
			}

			_, message, err := conn.ReadMessage()
			if err != nil {
				logger.Warnf("Stream read failed: %v", err)
				s.handleReconnect()
				return
			}
			s.dispatch(message)
		}
	}
}

func (s *Stream) dispatch(message []byte) {
	var combined struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(message, &combined); err != nil {
		logger.Warnf("Stream message parse failed: %v", err)
		return
	}

	s.mu.RLock()
	ch, ok := s.subscribers[combined.Stream]
	s.mu.RUnlock()

	if ok {
		select {
		case ch <- combined.Data:
		default:
			logger.Warnf("Subscriber channel full, dropping message: %s", combined.Stream)
		}
	}
}

// aggTradeMsg Binance futures aggTrade payload
type aggTradeMsg struct {
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

func (s *Stream) consumeTicks(symbol string, ch <-chan json.RawMessage) {
	for raw := range ch {
		var msg aggTradeMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Warnf("Tick parse failed for %s: %v", symbol, err)
			continue
		}
		price, _ := strconv.ParseFloat(msg.Price, 64)
		qty, _ := strconv.ParseFloat(msg.Quantity, 64)

		s.mu.RLock()
		h := s.onTick
		s.mu.RUnlock()
		if h != nil {
			h(Tick{
				Symbol:   symbol,
				Price:    price,
				Quantity: qty,
				Time:     time.UnixMilli(msg.TradeTime),
			})
		}
	}
}

// klineMsg Binance futures kline payload
type klineMsg struct {
	Kline struct {
		StartTime int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		Closed    bool   `json:"x"`
	} `json:"k"`
}

func (s *Stream) consumeKlines(symbol, interval string, ch <-chan json.RawMessage) {
	for raw := range ch {
		var msg klineMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Warnf("Kline parse failed for %s: %v", symbol, err)
			continue
		}
		open, _ := strconv.ParseFloat(msg.Kline.Open, 64)
		high, _ := strconv.ParseFloat(msg.Kline.High, 64)
		low, _ := strconv.ParseFloat(msg.Kline.Low, 64)
		closePrice, _ := strconv.ParseFloat(msg.Kline.Close, 64)
		volume, _ := strconv.ParseFloat(msg.Kline.Volume, 64)

		s.mu.RLock()
		h := s.onKline
		s.mu.RUnlock()
		if h != nil {
			h(Kline{
				Symbol:    symbol,
				Interval:  interval,
				OpenTime:  time.UnixMilli(msg.Kline.StartTime),
				CloseTime: time.UnixMilli(msg.Kline.CloseTime),
				Open:      open,
				High:      high,
				Low:       low,
				Close:     closePrice,
				Volume:    volume,
				Closed:    msg.Kline.Closed,
			})
		}
	}
}

func (s *Stream) handleReconnect() {
	if !s.reconnect {
		return
	}
	logger.Info("Stream attempting to reconnect...")
	time.Sleep(3 * time.Second)
	if err := s.Connect(); err != nil {
		logger.Warnf("Stream reconnection failed: %v", err)
		go s.handleReconnect()
	}
}

// Close stops the reader and closes all subscriber channels.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reconnect = false
	select {
	case <-s.done:
	default:
		close(s.done)
	}

	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	for stream, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, stream)
	}
}
