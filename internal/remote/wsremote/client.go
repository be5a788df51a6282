// Package wsremote implements remote.Store over a websocket connection.
// Requests and results are matched by id; subscriptions survive reconnects
// and are re-sent once the link is back.
package wsremote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/matheus3301/relay/internal/remote"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	reconnectMin   = time.Second
	reconnectMax   = 30 * time.Second
	jitterDivisor  = 2
	readLimit      = 4 * 1024 * 1024
	defaultTimeout = 10 * time.Second
)

// Config configures a Client.
type Config struct {
	URL   string
	Token string
	// RequestTimeout bounds every request without its own deadline.
	RequestTimeout time.Duration
	// OnConnectivity is called whenever the link goes up or down.
	OnConnectivity func(online bool)
}

type reply struct {
	payload string
	err     error
}

type subscription struct {
	op      string
	params  any
	deliver func(raw string) error
	fail    func(err error)
}

// Client is a websocket remote.Store.
type Client struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan reply
	subs    map[string]*subscription

	nextID    atomic.Uint64
	connected atomic.Bool
}

var _ remote.Store = (*Client)(nil)

// New creates a client. Call Run to connect.
func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultTimeout
	}
	return &Client{
		cfg:     cfg,
		logger:  logger,
		pending: make(map[string]chan reply),
		subs:    make(map[string]*subscription),
	}
}

// Connected reports whether the link is currently up.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Run keeps the connection alive until ctx is cancelled, reconnecting with
// jittered exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	backoff := reconnectMin
	for {
		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("remote link lost, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", backoff),
		)

		jitter := time.Duration(rand.Int63n(int64(backoff) / jitterDivisor))
		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
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
	conn.SetReadLimit(readLimit)

	c.mu.Lock()
	c.conn = conn
	subs := make(map[string]*subscription, len(c.subs))
	for id, s := range c.subs {
		subs[id] = s
	}
	c.mu.Unlock()
	c.setConnected(true)
	c.logger.Info("remote link up", zap.String("url", c.cfg.URL))

	for id, s := range subs {
		if err := c.send(ctx, Request{Type: typeRequest, ID: id, Op: s.op, Payload: s.params}); err != nil {
			c.logger.Warn("resubscribe failed", zap.String("sub", id), zap.Error(err))
		}
	}

	err = c.readLoop(ctx, conn)
	c.drop(conn)
	return err
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		c.dispatch(data)
	}
}

// dispatch routes one inbound frame. gjson peeks at the envelope so the
// payload is decoded once, into its final type.
func (c *Client) dispatch(data []byte) {
	env := gjson.ParseBytes(data)
	switch env.Get("type").Str {
	case typeResult:
		id := env.Get("id").Str
		c.mu.Lock()
		ch, ok := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if !ok {
			return
		}
		r := reply{payload: env.Get("payload").Raw}
		if e := env.Get("error"); e.Exists() {
			re := ResultError{Code: e.Get("code").Str, Message: e.Get("message").Str}
			r.err = &re
		}
		ch <- r
	case typeSnapshot:
		id := env.Get("sub").Str
		c.mu.Lock()
		s, ok := c.subs[id]
		c.mu.Unlock()
		if !ok {
			return
		}
		if err := s.deliver(env.Get("payload").Raw); err != nil {
			c.logger.Warn("bad snapshot", zap.String("sub", id), zap.Error(err))
		}
	default:
		c.logger.Debug("ignoring frame", zap.String("type", env.Get("type").Str))
	}
}

// drop tears down a dead connection: pending requests fail with
// remote.ErrOffline and every subscription is told the link is gone.
func (c *Client) drop(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusGoingAway, "reconnecting")
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	pending := c.pending
	c.pending = make(map[string]chan reply)
	subs := make([]*subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	c.setConnected(false)
	for _, ch := range pending {
		select {
		case ch <- reply{err: remote.ErrOffline}:
		default:
		}
	}
	for _, s := range subs {
		s.fail(remote.ErrOffline)
	}
}

func (c *Client) setConnected(v bool) {
	if c.connected.Swap(v) == v {
		return
	}
	if c.cfg.OnConnectivity != nil {
		c.cfg.OnConnectivity(v)
	}
}

// Close closes the current connection, if any. Run reconnects unless its
// context is cancelled.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "bye")
}

func (c *Client) send(ctx context.Context, req Request) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return remote.ErrOffline
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshalling %s: %w", req.Op, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%s: %w", req.Op, remote.ErrOffline)
	}
	return nil
}

// call sends one request and waits for its result payload.
func (c *Client) call(ctx context.Context, op string, params any) (string, error) {
	if !c.Connected() {
		return "", fmt.Errorf("%s: %w", op, remote.ErrOffline)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	id := c.newID()
	ch := make(chan reply, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(ctx, Request{Type: typeRequest, ID: id, Op: op, Payload: params}); err != nil {
		return "", err
	}

	select {
	case r := <-ch:
		var re *ResultError
		if errors.As(r.err, &re) {
			return "", re.err(op)
		}
		if r.err != nil {
			return "", fmt.Errorf("%s: %w", op, r.err)
		}
		return r.payload, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%s: %w", op, remote.ErrTimeout)
		}
		return "", ctx.Err()
	}
}

func (c *Client) newID() string {
	return strconv.FormatUint(c.nextID.Add(1), 10)
}

// subscribe registers a subscription whose snapshots decode into T.
func subscribe[T any](ctx context.Context, c *Client, op string, params any) (*remote.Stream[T], error) {
	id := c.newID()
	stream, em := remote.NewStream[T](ctx, 8)
	out := remote.StartLatest(em, func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		unsubCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.send(unsubCtx, Request{Type: typeRequest, ID: c.newID(), Op: OpUnsubscribe, Payload: UnsubscribeParams{Sub: id}})
	})

	c.mu.Lock()
	c.subs[id] = &subscription{
		op:     op,
		params: params,
		deliver: func(raw string) error {
			v, err := decode[T](raw)
			if err != nil {
				return err
			}
			out.Put(v)
			return nil
		},
		fail: out.Fail,
	}
	c.mu.Unlock()

	// While offline the subscription stays registered and is sent on reconnect.
	if err := c.send(ctx, Request{Type: typeRequest, ID: id, Op: op, Payload: params}); err != nil {
		out.Fail(err)
	}
	return stream, nil
}

// SubscribeChats implements remote.Store.
func (c *Client) SubscribeChats(ctx context.Context, userID string) (*remote.Stream[[]remote.ChatDoc], error) {
	return subscribe[[]remote.ChatDoc](ctx, c, OpSubscribeChats, SubscribeChatsParams{UserID: userID})
}

// SubscribeMessages implements remote.Store.
func (c *Client) SubscribeMessages(ctx context.Context, chatID string, after time.Time) (*remote.Stream[[]remote.MessageDoc], error) {
	params := SubscribeMessagesParams{ChatID: chatID}
	if !after.IsZero() {
		params.After = after.UnixMilli()
	}
	return subscribe[[]remote.MessageDoc](ctx, c, OpSubscribeMessages, params)
}

// WriteMessage implements remote.Store.
func (c *Client) WriteMessage(ctx context.Context, msg remote.MessageDoc) error {
	_, err := c.call(ctx, OpWriteMessage, msg)
	return err
}

// UpdateMessageStatus implements remote.Store.
func (c *Client) UpdateMessageStatus(ctx context.Context, chatID, messageID, status, by string) error {
	_, err := c.call(ctx, OpUpdateStatus, StatusParams{ChatID: chatID, MessageID: messageID, Status: status, By: by})
	return err
}

// UpdateChatLastMessage implements remote.Store.
func (c *Client) UpdateChatLastMessage(ctx context.Context, chatID string, lm remote.LastMessageDoc) error {
	_, err := c.call(ctx, OpChatLastMessage, LastMessageParams{ChatID: chatID, LastMessage: lm})
	return err
}

// GetMessage implements remote.Store.
func (c *Client) GetMessage(ctx context.Context, chatID, messageID string) (*remote.MessageDoc, error) {
	raw, err := c.call(ctx, OpGetMessage, GetMessageParams{ChatID: chatID, MessageID: messageID})
	if err != nil {
		return nil, err
	}
	doc, err := decode[remote.MessageDoc](raw)
	if err != nil {
		return nil, fmt.Errorf("%s: decode: %w", OpGetMessage, err)
	}
	return &doc, nil
}

// GetUser implements remote.Store.
func (c *Client) GetUser(ctx context.Context, userID string) (*remote.UserDoc, error) {
	raw, err := c.call(ctx, OpGetUser, GetUserParams{UserID: userID})
	if err != nil {
		return nil, err
	}
	doc, err := decode[remote.UserDoc](raw)
	if err != nil {
		return nil, fmt.Errorf("%s: decode: %w", OpGetUser, err)
	}
	return &doc, nil
}
