package server

import (
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/alimasry/go-doc-sync/doc"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 64 * 1024
)

// Client represents a single WebSocket connection.
type Client struct {
	ID    string
	Name  string
	Color string

	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	log  logrus.FieldLogger

	// The session this client is currently in (nil if not joined). joining
	// is set while a join is on its way through the hub; closed once the
	// connection is gone.
	mu      sync.Mutex
	session *Session
	joining bool
	closed  bool
}

var (
	adjectives = []string{"Red", "Blue", "Green", "Gold", "Silver", "Purple", "Orange", "Teal", "Coral", "Jade"}
	animals    = []string{"Fox", "Owl", "Bear", "Wolf", "Hawk", "Deer", "Lynx", "Crow", "Dove", "Seal"}
	colors     = []string{"#e74c3c", "#3498db", "#2ecc71", "#f39c12", "#9b59b6", "#1abc9c", "#e67e22", "#00bcd4", "#ff5722", "#8bc34a"}
)

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	id := generateID(r)
	return &Client{
		ID:    id,
		Name:  adjectives[r.Intn(len(adjectives))] + " " + animals[r.Intn(len(animals))],
		Color: colors[r.Intn(len(colors))],
		hub:   hub,
		conn:  conn,
		send:  make(chan []byte, 256),
		log:   hub.log.WithField("client", id),
	}
}

func generateID(r *rand.Rand) string {
	const chars = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 8)
	for i := range b {
		b[i] = chars[r.Intn(len(chars))]
	}
	return string(b)
}

func (c *Client) currentSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// beginJoin reserves c for a single join. It fails while another join is
// pending or after one has completed.
func (c *Client) beginJoin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.joining || c.session != nil || c.closed {
		return false
	}
	c.joining = true
	return true
}

// abortJoin releases the reservation taken by beginJoin when the join fails.
func (c *Client) abortJoin() {
	c.mu.Lock()
	c.joining = false
	c.mu.Unlock()
}

// ReadPump reads messages from the WebSocket and routes them.
func (c *Client) ReadPump() {
	defer func() {
		c.mu.Lock()
		s := c.session
		c.closed = true
		c.mu.Unlock()
		if s != nil {
			s.Leave(c)
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Warn("read error")
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("invalid message format")
			continue
		}
		c.route(msg)
	}
}

func (c *Client) route(msg ClientMessage) {
	switch msg.Type {
	case MsgJoin:
		if msg.DocID == "" {
			c.sendError("join needs a docId")
			return
		}
		if !c.beginJoin() {
			c.sendError("already joined to a document")
			return
		}
		c.hub.requestJoin(joinRequest{client: c, docID: msg.DocID})
	case MsgDiff:
		s := c.currentSession()
		if s == nil {
			c.sendError("not joined to a document")
			return
		}
		if msg.Diff == nil {
			c.sendError("diff message without diff")
			return
		}
		d, err := msg.Diff.ToDiff()
		if err != nil {
			c.sendError(err.Error())
			return
		}
		s.queueDiff(c, d)
	case MsgSync:
		s := c.currentSession()
		if s == nil {
			c.sendError("not joined to a document")
			return
		}
		s.queueSync(c, doc.Version(msg.Version))
	default:
		c.sendError("unknown message type: " + msg.Type)
	}
}

// WritePump writes messages from the send channel to the WebSocket.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

func (c *Client) sendMsg(msg ServerMessage) {
	select {
	case c.send <- msg.Encode():
	default:
		// Client too slow, drop message. It will notice the version gap and
		// sync.
	}
}

func (c *Client) sendError(message string) {
	c.sendMsg(ServerMessage{Type: MsgError, Message: message})
}

func (c *Client) Info() ClientInfo {
	return ClientInfo{ID: c.ID, Name: c.Name, Color: c.Color}
}
