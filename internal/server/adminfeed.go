package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/storywell/storywell-api/internal/common"
	"github.com/storywell/storywell-api/internal/interfaces"
)

const (
	feedWriteWait  = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = 30 * time.Second
	feedMaxMessage = 512
)

var feedUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// AdminFeed broadcasts periodic queue-stats snapshots to connected operator
// dashboards over a websocket (spec §12 "Admin queue-stats feed"). Grounded
// on the reference JobWSHub: register/unregister/broadcast channels plus a
// ping/pong heartbeat and slow-client eviction, generalized from broadcasting
// raw lifecycle events to broadcasting a polled stats snapshot.
type AdminFeed struct {
	store    interfaces.JobStore
	logger   *common.Logger
	interval time.Duration

	register   chan *feedClient
	unregister chan *feedClient
	broadcast  chan []byte

	mu      sync.Mutex
	clients map[*feedClient]struct{}

	cancel func()
	wg     sync.WaitGroup
}

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
}

func NewAdminFeed(store interfaces.JobStore, logger *common.Logger, interval time.Duration) *AdminFeed {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &AdminFeed{
		store:      store,
		logger:     logger,
		interval:   interval,
		register:   make(chan *feedClient),
		unregister: make(chan *feedClient),
		broadcast:  make(chan []byte),
		clients:    make(map[*feedClient]struct{}),
	}
}

func (f *AdminFeed) Start(ctx context.Context) {
	f.wg.Add(2)
	go f.run(ctx)
	go f.poll(ctx)
}

func (f *AdminFeed) run(ctx context.Context) {
	defer f.wg.Done()
	for {
		select {
		case <-ctx.Done():
			f.mu.Lock()
			for c := range f.clients {
				close(c.send)
				c.conn.Close()
			}
			f.clients = make(map[*feedClient]struct{})
			f.mu.Unlock()
			return
		case c := <-f.register:
			f.mu.Lock()
			f.clients[c] = struct{}{}
			f.mu.Unlock()
		case c := <-f.unregister:
			f.mu.Lock()
			if _, ok := f.clients[c]; ok {
				delete(f.clients, c)
				close(c.send)
			}
			f.mu.Unlock()
		case msg := <-f.broadcast:
			f.mu.Lock()
			for c := range f.clients {
				select {
				case c.send <- msg:
				default:
					f.logger.Debug().Msg("admin feed client too slow, dropping")
					delete(f.clients, c)
					close(c.send)
					c.conn.Close()
				}
			}
			f.mu.Unlock()
		}
	}
}

func (f *AdminFeed) poll(ctx context.Context) {
	defer f.wg.Done()
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := f.store.Stats(ctx)
			if err != nil {
				f.logger.Warn().Err(err).Msg("admin feed stats poll failed")
				continue
			}
			data, err := json.Marshal(stats)
			if err != nil {
				continue
			}
			select {
			case f.broadcast <- data:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (f *AdminFeed) Stop() {
	f.wg.Wait()
}

// ServeWS upgrades the request to a websocket and streams queue-stats
// broadcasts to it until the client disconnects.
func (f *AdminFeed) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := feedUpgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn().Err(err).Msg("admin feed websocket upgrade failed")
		return
	}
	client := &feedClient{conn: conn, send: make(chan []byte, 8)}
	f.register <- client

	go f.writePump(client)
	f.readPump(client)
}

func (f *AdminFeed) writePump(c *feedClient) {
	ticker := time.NewTicker(feedPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *AdminFeed) readPump(c *feedClient) {
	defer func() {
		f.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(feedMaxMessage)
	c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
