package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/remote"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Frame types.
const (
	TypeSet       = "presence.set"
	TypeHeartbeat = "presence.heartbeat"
	TypeWatch     = "presence.watch"
	TypeChanged   = "presence.changed"
)

// DefaultHeartbeat is how often an online client refreshes its status.
const DefaultHeartbeat = 30 * time.Second

const (
	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
	writeTimeout = 5 * time.Second
)

// SetFrame announces the viewer's status.
type SetFrame struct {
	Type               string `json:"type"`
	UserID             string `json:"userId"`
	Status             Status `json:"status"`
	ExpireOnDisconnect bool   `json:"expireOnDisconnect"`
}

// HeartbeatFrame keeps the viewer's status alive.
type HeartbeatFrame struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// WatchFrame lists the users whose changes the client wants.
type WatchFrame struct {
	Type    string   `json:"type"`
	UserIDs []string `json:"userIds"`
}

// ChangedFrame reports a change of another user.
type ChangedFrame struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	Status   Status `json:"status"`
	LastSeen int64  `json:"lastSeen"`
}

// Config configures a Client.
type Config struct {
	URL       string
	Token     string
	UserID    string
	Heartbeat time.Duration
}

type watcher struct {
	ids map[string]struct{}
	cb  func(Update)
}

// Client is an Adapter over a websocket connection.
type Client struct {
	cfg    Config
	bus    *bus.Bus
	logger *zap.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	status   Status
	stopBeat context.CancelFunc
	watchers map[int]*watcher
	nextW    int

	connected atomic.Bool
}

var _ Adapter = (*Client)(nil)

// New creates a client. Call Run to connect.
func New(cfg Config, b *bus.Bus, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	return &Client{
		cfg:      cfg,
		bus:      b,
		logger:   logger,
		status:   Offline,
		watchers: make(map[int]*watcher),
	}
}

// Connected reports whether the link is up.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Run keeps the connection alive until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	backoff := reconnectMin
	for {
		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			c.mu.Lock()
			if c.stopBeat != nil {
				c.stopBeat()
				c.stopBeat = nil
			}
			c.mu.Unlock()
			return ctx.Err()
		}
		c.logger.Warn("presence link lost, reconnecting", zap.Error(err), zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if errors.Is(err, errDial) {
			backoff = min(backoff*2, reconnectMax)
		} else {
			backoff = reconnectMin
		}
	}
}

var errDial = errors.New("dial failed")

func (c *Client) connectAndServe(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, _, err := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{HTTPHeader: header}) //nolint:bodyclose // Dial closes the body
	if err != nil {
		return fmt.Errorf("%w: %v", errDial, err)
	}
	c.mu.Lock()
	c.conn = conn
	st := c.status
	c.mu.Unlock()
	c.connected.Store(true)
	c.logger.Info("presence link up", zap.String("url", c.cfg.URL))

	// The service forgot us when the last connection dropped.
	if st != Offline {
		if err := c.send(ctx, c.setFrame(st)); err != nil {
			c.logger.Warn("failed to restore presence", zap.Error(err))
		}
	}
	if err := c.sendWatch(ctx); err != nil {
		c.logger.Warn("failed to restore watch list", zap.Error(err))
	}

	err = c.readLoop(ctx, conn)
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	c.connected.Store(false)
	_ = conn.Close(websocket.StatusGoingAway, "reconnecting")
	return err
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		env := gjson.ParseBytes(data)
		if env.Get("type").Str != TypeChanged {
			c.logger.Debug("ignoring presence frame", zap.String("type", env.Get("type").Str))
			continue
		}
		u := Update{
			UserID: env.Get("userId").Str,
			Status: Status(env.Get("status").Str),
		}
		if ms := env.Get("lastSeen").Int(); ms > 0 {
			u.LastSeen = time.UnixMilli(ms)
		}
		if u.UserID == "" || !u.Status.Valid() {
			c.logger.Debug("bad presence change", zap.String("frame", string(data)))
			continue
		}
		c.fanOut(u)
	}
}

func (c *Client) fanOut(u Update) {
	c.mu.Lock()
	var cbs []func(Update)
	for _, w := range c.watchers {
		if _, ok := w.ids[u.UserID]; ok {
			cbs = append(cbs, w.cb)
		}
	}
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(u)
	}
	c.bus.Emit(bus.KindPresenceChanged, bus.PresenceChanged{UserID: u.UserID, Status: string(u.Status), LastSeen: u.LastSeen})
}

// SetOnline implements Adapter. It arms the heartbeat.
func (c *Client) SetOnline(ctx context.Context) error {
	return c.UpdateStatus(ctx, Online)
}

// SetOffline implements Adapter. It stops the heartbeat.
func (c *Client) SetOffline(ctx context.Context) error {
	return c.UpdateStatus(ctx, Offline)
}

// UpdateStatus implements Adapter. While disconnected the status is kept
// and announced once the link is back.
func (c *Client) UpdateStatus(ctx context.Context, s Status) error {
	if !s.Valid() {
		return fmt.Errorf("presence: invalid status %q", s)
	}
	c.mu.Lock()
	c.status = s
	if c.stopBeat != nil {
		c.stopBeat()
		c.stopBeat = nil
	}
	if s != Offline {
		beatCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c.stopBeat = cancel
		go c.heartbeat(beatCtx)
	}
	c.mu.Unlock()

	err := c.send(ctx, c.setFrame(s))
	if errors.Is(err, remote.ErrOffline) {
		c.logger.Debug("presence deferred until connected", zap.String("status", string(s)))
		return nil
	}
	return err
}

func (c *Client) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !c.Connected() {
				continue
			}
			if err := c.send(ctx, HeartbeatFrame{Type: TypeHeartbeat, UserID: c.cfg.UserID}); err != nil {
				c.logger.Debug("heartbeat failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// OnStatusChange implements Adapter.
func (c *Client) OnStatusChange(userIDs []string, cb func(Update)) func() {
	w := &watcher{ids: make(map[string]struct{}, len(userIDs)), cb: cb}
	for _, id := range userIDs {
		w.ids[id] = struct{}{}
	}
	c.mu.Lock()
	id := c.nextW
	c.nextW++
	c.watchers[id] = w
	c.mu.Unlock()
	c.resendWatch()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watchers, id)
			c.mu.Unlock()
			c.resendWatch()
		})
	}
}

func (c *Client) resendWatch() {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.sendWatch(ctx); err != nil && !errors.Is(err, remote.ErrOffline) {
		c.logger.Debug("watch update failed", zap.Error(err))
	}
}

// sendWatch sends the union of every watcher's ids.
func (c *Client) sendWatch(ctx context.Context) error {
	c.mu.Lock()
	set := make(map[string]struct{})
	for _, w := range c.watchers {
		for id := range w.ids {
			set[id] = struct{}{}
		}
	}
	c.mu.Unlock()
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return c.send(ctx, WatchFrame{Type: TypeWatch, UserIDs: ids})
}

func (c *Client) setFrame(s Status) SetFrame {
	return SetFrame{Type: TypeSet, UserID: c.cfg.UserID, Status: s, ExpireOnDisconnect: true}
}

func (c *Client) send(ctx context.Context, frame any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return remote.ErrOffline
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshalling presence frame: %w", err)
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("presence write: %w", remote.ErrOffline)
	}
	return nil
}
