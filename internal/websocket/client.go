package websocket

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

// Client is one websocket subscriber. Updates are coalesced per currency
// until the write pump picks them up.
type Client struct {
	conn *websocket.Conn

	mu      sync.Mutex
	pending map[string]BalanceUpdate
	latest  map[string]int64
	notify  chan struct{}
	done    chan struct{}
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{
		conn:    conn,
		pending: make(map[string]BalanceUpdate),
		latest:  make(map[string]int64),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// NewUpgrader accepts connections from the listed origins; "*" allows any.
func NewUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range allowedOrigins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}
}

// ServeWS upgrades the request and streams accountID's balance updates until
// the peer disconnects.
func ServeWS(w http.ResponseWriter, r *http.Request, upgrader websocket.Upgrader, hub *Hub, accountID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := newClient(conn)
	hub.Register(accountID, client)
	go client.writePump()
	client.readPump(hub, accountID)
}

// queue drops updates older than one already queued or sent for the same
// currency; settlements can finish their broadcasts out of order.
func (c *Client) queue(update BalanceUpdate) {
	c.mu.Lock()
	if seen, ok := c.latest[update.Currency]; ok && update.Version <= seen {
		c.mu.Unlock()
		return
	}
	c.latest[update.Currency] = update.Version
	c.pending[update.Currency] = update
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// drain hands back the waiting updates in version order and empties the queue.
func (c *Client) drain() []BalanceUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	updates := make([]BalanceUpdate, 0, len(c.pending))
	for currency, update := range c.pending {
		updates = append(updates, update)
		delete(c.pending, currency)
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i].Version < updates[j].Version })
	return updates
}

func (c *Client) readPump(hub *Hub, accountID string) {
	defer func() {
		hub.Unregister(accountID, c)
		close(c.done)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-c.notify:
			for _, update := range c.drain() {
				message, err := json.Marshal(update)
				if err != nil {
					continue
				}
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
