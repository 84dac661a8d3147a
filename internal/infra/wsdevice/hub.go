// Package wsdevice bridges browser speech recognition to the server over a
// websocket. The browser owns the microphone and the recognizer; the server
// drives it with start/stop/lang frames and receives result/error/end
// frames back. A user without a connected device has no recognition
// capability.
package wsdevice

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/precise-goals/finvoice/internal/domain"
	"github.com/precise-goals/finvoice/internal/infra/observability"
	"github.com/precise-goals/finvoice/internal/port"

	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 32
)

// Hub tracks one device connection per user.
type Hub struct {
	upgrader websocket.Upgrader
	metrics  *observability.Metrics
	logger   *zap.Logger

	mu    sync.Mutex
	conns map[string]*deviceConn
}

// NewHub creates an empty hub. checkOrigin may be nil to accept any origin.
func NewHub(checkOrigin func(*http.Request) bool, metrics *observability.Metrics, logger *zap.Logger) *Hub {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		metrics: metrics,
		logger:  logger,
		conns:   make(map[string]*deviceConn),
	}
}

// Serve upgrades the request to the device connection of userID and blocks
// until it closes. A newer connection of the same user replaces the older.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	c := &deviceConn{
		hub:    h,
		userID: userID,
		ws:     ws,
		send:   make(chan Message, sendBuffer),
		closed: make(chan struct{}),
		logger: h.logger.With(zap.String("user_id", userID)),
	}

	h.mu.Lock()
	old := h.conns[userID]
	h.conns[userID] = c
	h.mu.Unlock()
	if old != nil {
		old.close()
	}
	c.logger.Info("speech device connected")

	go c.writePump()
	c.readPump()
}

// Connected reports whether userID has a device.
func (h *Hub) Connected(userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.conns[userID]
	return ok
}

func (h *Hub) conn(userID string) (*deviceConn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[userID]
	return c, ok
}

func (h *Hub) remove(c *deviceConn) {
	h.mu.Lock()
	if h.conns[c.userID] == c {
		delete(h.conns, c.userID)
	}
	h.mu.Unlock()
}

// NewRecognizer implements port.RecognizerFactory on the user's device.
func (h *Hub) NewRecognizer(_ context.Context, userID string, cfg port.RecognizerConfig, handler port.RecognitionHandler) (port.Recognizer, error) {
	c, ok := h.conn(userID)
	if !ok {
		return nil, port.ErrRecognitionUnsupported
	}
	return &recognizer{conn: c, cfg: cfg, handler: handler}, nil
}

// Alert implements port.Alerter by pushing the alert to the user's device.
// Users without a device only get the alert logged.
func (h *Hub) Alert(_ context.Context, userID string, alert domain.Alert) {
	c, ok := h.conn(userID)
	if !ok {
		h.logger.Info("alert not delivered, no device", zap.String("user_id", userID), zap.String("code", alert.Code))
		return
	}
	c.enqueue(Message{Type: MsgAlert, Code: alert.Code, Message: alert.Message})
}

// Close disconnects every device.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*deviceConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// deviceConn is one websocket. At most one recognizer is attached at a
// time; device events go to it.
type deviceConn struct {
	hub    *Hub
	userID string
	ws     *websocket.Conn
	send   chan Message
	logger *zap.Logger

	mu       sync.Mutex
	attached *recognizer

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *deviceConn) attach(r *recognizer) {
	c.mu.Lock()
	c.attached = r
	c.mu.Unlock()
}

func (c *deviceConn) detach(r *recognizer) {
	c.mu.Lock()
	if c.attached == r {
		c.attached = nil
	}
	c.mu.Unlock()
}

func (c *deviceConn) current() *recognizer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached
}

// enqueue never blocks; a device that stopped reading loses frames.
func (c *deviceConn) enqueue(msg Message) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.hub.metrics.IncrExternalError("speech-device")
		c.logger.Warn("device send buffer full, frame dropped", zap.String("type", msg.Type))
		return false
	}
}

func (c *deviceConn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

func (c *deviceConn) readPump() {
	defer func() {
		c.close()
		c.hub.remove(c)
		c.logger.Info("speech device disconnected")
		if r := c.current(); r != nil {
			c.detach(r)
			r.handler.OnError(domain.RecognitionNetwork)
		}
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("device read failed", zap.Error(err))
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Debug("ignoring malformed device frame", zap.Error(err))
			continue
		}
		c.dispatch(msg)
	}
}

func (c *deviceConn) dispatch(msg Message) {
	r := c.current()
	if r == nil {
		return
	}
	switch msg.Type {
	case MsgResult:
		r.handler.OnResult(domain.RecognitionEvent{ResultIndex: msg.ResultIndex, Results: msg.Results})
	case MsgError:
		r.handler.OnError(msg.Error)
	case MsgEnd:
		c.detach(r)
		r.handler.OnEnd()
	default:
		c.logger.Debug("ignoring unknown device frame", zap.String("type", msg.Type))
	}
}

func (c *deviceConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.hub.metrics.IncrExternalError("speech-device")
				c.logger.Warn("device write failed", zap.Error(err))
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// recognizer is one recognition run on a device connection.
type recognizer struct {
	conn    *deviceConn
	cfg     port.RecognizerConfig
	handler port.RecognitionHandler
}

func (r *recognizer) Start(context.Context) error {
	r.conn.attach(r)
	if !r.conn.enqueue(Message{
		Type:           MsgStart,
		Lang:           r.cfg.LanguageTag,
		Continuous:     r.cfg.Continuous,
		InterimResults: r.cfg.InterimResults,
	}) {
		r.conn.detach(r)
		return &domain.ErrCapability{Capability: "speech-recognition", Reason: "device unavailable"}
	}
	return nil
}

func (r *recognizer) Stop() {
	r.conn.enqueue(Message{Type: MsgStop})
}

func (r *recognizer) SetLanguage(tag string) {
	r.conn.enqueue(Message{Type: MsgLang, Lang: tag})
}

func (r *recognizer) Release() {
	r.conn.detach(r)
}
