// Package hub keeps the websocket connections of everyone listening to the
// station and pushes queue snapshots to them.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	// the api sits behind the same origin as the player page
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Inbound is what a listener can send over its socket.
type Inbound struct {
	Type     string `json:"type"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
	ID       string `json:"id,omitempty"`
	UploadID string `json:"upload_id,omitempty"`
	ParentID string `json:"parent_id,omitempty"`
}

type Options struct {
	Logger zerolog.Logger
	// Welcome builds the first message a new client receives. It runs on
	// the Run goroutine.
	Welcome func() any
	// OnMessage runs on the client's read goroutine.
	OnMessage func(c *Client, msg Inbound)
}

type envelope struct {
	client *Client
	data   []byte
}

// Hub owns the set of clients. Only Run touches it.
type Hub struct {
	log  zerolog.Logger
	opts Options

	clients    map[*Client]bool
	broadcast  chan []byte
	direct     chan envelope
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	count      atomic.Int64
}

func New(opts Options) *Hub {
	return &Hub{
		log:        opts.Logger.With().Str("component", "hub").Logger(),
		opts:       opts,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 64),
		direct:     make(chan envelope, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run serves register, unregister and broadcast requests until ctx ends,
// then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		for client := range h.clients {
			h.drop(client)
		}
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.welcome(client)
			h.clients[client] = true
			h.count.Store(int64(len(h.clients)))
			h.log.Debug().Str("addr", client.Addr).Int("clients", len(h.clients)).Msg("client connected")

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
			}

		case env := <-h.direct:
			if _, ok := h.clients[env.client]; ok {
				h.deliver(env.client, env.data)
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				h.deliver(client, message)
			}
		}
	}
}

// welcome queues the greeting ahead of anything broadcast after the
// client joined.
func (h *Hub) welcome(client *Client) {
	if h.opts.Welcome == nil {
		return
	}
	data, err := json.Marshal(h.opts.Welcome())
	if err != nil {
		h.log.Error().Err(err).Msg("could not encode welcome")
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

// deliver never blocks; a client whose buffer is full is cut off.
func (h *Hub) deliver(client *Client, data []byte) {
	select {
	case client.send <- data:
	default:
		h.log.Warn().Str("addr", client.Addr).Msg("dropping slow client")
		h.drop(client)
	}
}

func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	close(client.send)
	_ = client.conn.Close()
	h.count.Store(int64(len(h.clients)))
}

// MessageClients sends msg as JSON to every connected client.
func (h *Hub) MessageClients(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Msg("could not encode broadcast")
		return
	}
	select {
	case h.broadcast <- data:
	case <-h.done:
	}
}

// Reply sends msg to a single client.
func (h *Hub) Reply(c *Client, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Msg("could not encode reply")
		return
	}
	select {
	case h.direct <- envelope{client: c, data: data}:
	case <-h.done:
	}
}

func (h *Hub) Clients() int {
	return int(h.count.Load())
}

// ServeWS upgrades the request and registers the connection under the
// given address and nick.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, addr, nick string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		Addr: addr,
		Nick: nick,
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return nil
	}
	go client.writePump()
	go client.readPump()
	return nil
}

// Client is one websocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	Addr string
	Nick string
}

// Send queues msg for this client alone.
func (c *Client) Send(msg any) {
	c.hub.Reply(c, msg)
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg Inbound
		if err := c.conn.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.hub.log.Debug().Err(err).Str("addr", c.Addr).Msg("ignoring malformed message")
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug().Err(err).Str("addr", c.Addr).Msg("websocket closed")
			}
			return
		}
		if c.hub.opts.OnMessage != nil {
			c.hub.opts.OnMessage(c, msg)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
