package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/openfield/fieldsync/internal/model"
	"github.com/openfield/fieldsync/internal/version"
)

const (
	eventsPath              = "/api/v1/events"
	eventsBufferSize        = 64
	eventsReconnectDelay    = 1 * time.Second
	eventsMaxReconnectDelay = 8 * time.Second
	eventsReconnectTimeout  = 10 * time.Second
	eventsMaxMessageSize    = 4 * 1024 * 1024 // 4MB
	eventsPingPeriod        = 15 * time.Second
	eventsPingTimeout       = 5 * time.Second
)

// EventType tags a server push. Every event carries a full entity snapshot,
// never a delta.
type EventType string

const (
	EventLOIUpdated        EventType = "LOI_UPDATED"
	EventSubmissionUpdated EventType = "SUBMISSION_UPDATED"
	EventUserUpdated       EventType = "USER_UPDATED"
)

// Event is one decoded server push. Exactly one payload field is set,
// matching Type.
type Event struct {
	Type       EventType
	LOI        *model.LocationOfInterest
	Submission *model.Submission
	User       *model.User
}

type eventEnvelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type auditWire struct {
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

type loiSnapshot struct {
	ID       string          `json:"id"`
	SurveyID string          `json:"surveyId"`
	JobID    string          `json:"jobId"`
	Geometry geometryPayload `json:"geometry"`
	State    string          `json:"state"`
	Created  auditWire       `json:"created"`
	Modified auditWire       `json:"modified"`
}

type submissionSnapshot struct {
	ID                   string            `json:"id"`
	LocationOfInterestID string            `json:"locationOfInterestId"`
	SurveyID             string            `json:"surveyId"`
	JobID                string            `json:"jobId"`
	Responses            map[string]string `json:"responses"`
	State                string            `json:"state"`
	Created              auditWire         `json:"created"`
	Modified             auditWire         `json:"modified"`
}

type userSnapshot struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

// Events maintains the realtime snapshot subscription, reconnecting with
// backoff whenever the socket drops.
type Events struct {
	baseURL string
	user    string
	events  chan Event

	ctx    context.Context
	cancel context.CancelFunc

	mu               sync.RWMutex
	conn             *wsConn
	connected        bool
	reconnectAttempt int
}

func NewEvents(baseURL, user string) *Events {
	ctx, cancel := context.WithCancel(context.Background())
	return &Events{
		baseURL: baseURL,
		user:    user,
		events:  make(chan Event, eventsBufferSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Connect dials the event socket. A lifecycle goroutine keeps the stream
// alive until Close.
func (e *Events) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.connected && e.conn != nil {
		return nil
	}

	conn, err := e.connectLocked(ctx)
	if err != nil {
		return fmt.Errorf("remote: events connect: %w", err)
	}

	go e.manageConnection(conn)
	return nil
}

// Stream returns the channel of decoded events.
func (e *Events) Stream() <-chan Event {
	return e.events
}

func (e *Events) IsConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *Events) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cancel()
	if e.conn != nil {
		e.conn.close()
		e.conn = nil
	}
	e.connected = false
}

func (e *Events) connectLocked(ctx context.Context) (*wsConn, error) {
	if e.conn != nil {
		e.conn.close()
		e.conn = nil
		e.connected = false
	}

	wsURL, err := url.JoinPath(e.baseURL, eventsPath)
	if err != nil {
		return nil, fmt.Errorf("join events url: %w", err)
	}
	wsURL = strings.Replace(wsURL, "http", "ws", 1)

	headers := http.Header{}
	headers.Set(HeaderUser, e.user)
	headers.Set(HeaderAppVersion, version.Version)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	conn.SetReadLimit(eventsMaxMessageSize)

	ws := newWSConn(conn, e.events)
	ws.start(e.ctx)

	e.conn = ws
	e.connected = true
	slog.Info("event stream connected", "url", wsURL)
	return ws, nil
}

func (e *Events) manageConnection(conn *wsConn) {
	select {
	case <-conn.closed:
		slog.Info("event stream disconnected, will reconnect")

		e.mu.Lock()
		if e.conn == conn {
			e.conn = nil
			e.connected = false
			e.reconnectAttempt = 0
		}
		e.mu.Unlock()

		select {
		case <-e.ctx.Done():
			return
		default:
			e.reconnectWithBackoff()
		}

	case <-e.ctx.Done():
		return
	}
}

func (e *Events) reconnectWithBackoff() {
	delay := eventsReconnectDelay

	for {
		e.reconnectAttempt++

		select {
		case <-e.ctx.Done():
			return
		case <-time.After(delay):
		}

		slog.Info("event stream reconnecting", "attempt", e.reconnectAttempt, "delay", delay)

		ctx, cancel := context.WithTimeout(e.ctx, eventsReconnectTimeout)
		e.mu.Lock()
		conn, err := e.connectLocked(ctx)
		e.mu.Unlock()
		cancel()

		if err == nil {
			go e.manageConnection(conn)
			return
		}

		// jittered exponential backoff
		delay = min(delay*2, eventsMaxReconnectDelay)
		jitter := 0.75 + (rand.Float64() * 0.5)
		delay = time.Duration(float64(delay) * jitter)
	}
}

// wsConn wraps one websocket connection: a read loop decoding envelopes and
// a ping loop keeping the connection alive.
type wsConn struct {
	conn      *websocket.Conn
	events    chan<- Event
	closed    chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newWSConn(conn *websocket.Conn, events chan<- Event) *wsConn {
	return &wsConn{
		conn:    conn,
		events:  events,
		closed:  make(chan struct{}),
		closing: make(chan struct{}),
	}
}

func (c *wsConn) start(ctx context.Context) {
	c.wg.Add(2)
	go c.readLoop(ctx)
	go c.pingLoop(ctx)
}

func (c *wsConn) close() {
	c.closeConnection(websocket.StatusNormalClosure, "shutdown")
}

func (c *wsConn) closeConnection(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.closing)
		c.conn.Close(status, reason)
		c.wg.Wait()
		close(c.closed)
	})
}

func (c *wsConn) readLoop(ctx context.Context) {
	defer func() {
		c.wg.Done()
		go c.closeConnection(websocket.StatusNormalClosure, "shutdown")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closing:
			return
		default:
		}

		_, raw, err := c.conn.Read(ctx)
		if err != nil {
			if !isExpectedCloseError(err) {
				slog.Warn("event stream read", "error", err)
			}
			return
		}

		ev, err := decodeEvent(raw)
		if err != nil {
			slog.Warn("event stream decode", "error", err)
			continue
		}

		select {
		case <-c.closing:
			return
		case c.events <- ev:
		default:
			slog.Warn("event stream buffer full, dropped", "type", ev.Type)
		}
	}
}

func (c *wsConn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(eventsPingPeriod)
	defer func() {
		ticker.Stop()
		c.wg.Done()
		go c.closeConnection(websocket.StatusNormalClosure, "shutdown")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closing:
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, eventsPingTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				slog.Error("event stream ping", "error", err)
				return
			}
		}
	}
}

func decodeEvent(raw []byte) (Event, error) {
	var env eventEnvelope
	if err := jsonUnmarshal(raw, &env); err != nil {
		return Event{}, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Type {
	case EventLOIUpdated:
		var snap loiSnapshot
		if err := jsonUnmarshal(env.Payload, &snap); err != nil {
			return Event{}, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		loi := snap.toModel()
		return Event{Type: env.Type, LOI: &loi}, nil

	case EventSubmissionUpdated:
		var snap submissionSnapshot
		if err := jsonUnmarshal(env.Payload, &snap); err != nil {
			return Event{}, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		sub := snap.toModel()
		return Event{Type: env.Type, Submission: &sub}, nil

	case EventUserUpdated:
		var snap userSnapshot
		if err := jsonUnmarshal(env.Payload, &snap); err != nil {
			return Event{}, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return Event{Type: env.Type, User: &model.User{
			ID:          snap.ID,
			Email:       snap.Email,
			DisplayName: snap.DisplayName,
		}}, nil

	default:
		return Event{}, fmt.Errorf("unknown event type %q", env.Type)
	}
}

func (s *loiSnapshot) toModel() model.LocationOfInterest {
	return model.LocationOfInterest{
		ID:       s.ID,
		SurveyID: s.SurveyID,
		JobID:    s.JobID,
		Geometry: s.Geometry.toModel(),
		State:    model.EntityState(s.State),
		Created:  model.AuditInfo{UserID: s.Created.UserID, Timestamp: s.Created.Timestamp},
		Modified: model.AuditInfo{UserID: s.Modified.UserID, Timestamp: s.Modified.Timestamp},
	}
}

func (s *submissionSnapshot) toModel() model.Submission {
	return model.Submission{
		ID:                   s.ID,
		LocationOfInterestID: s.LocationOfInterestID,
		SurveyID:             s.SurveyID,
		JobID:                s.JobID,
		Responses:            s.Responses,
		State:                model.EntityState(s.State),
		Created:              model.AuditInfo{UserID: s.Created.UserID, Timestamp: s.Created.Timestamp},
		Modified:             model.AuditInfo{UserID: s.Modified.UserID, Timestamp: s.Modified.Timestamp},
	}
}

func (p geometryPayload) toModel() model.Geometry {
	g := model.Geometry{Type: model.GeometryType(p.Type)}
	if p.Point != nil {
		g.Point = &model.Point{Lat: p.Point.Lat, Lng: p.Point.Lng}
	}
	for _, v := range p.Vertices {
		g.Vertices = append(g.Vertices, model.Point{Lat: v.Lat, Lng: v.Lng})
	}
	return g
}

// isExpectedCloseError returns true for normal shutdown noise.
func isExpectedCloseError(err error) bool {
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, net.ErrClosed)
}
