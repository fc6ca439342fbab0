package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"cad-orchestrator/internal/logger"
	"cad-orchestrator/internal/models"

	"github.com/gorilla/websocket"
)

// Tier is the trust level a subscriber was admitted under
type Tier string

const (
	// TierInternal is the agent process, admitted by shared secret
	TierInternal Tier = "internal"
	// TierPublic is an end-user client, admitted by an authenticated session
	TierPublic Tier = "public"
)

const (
	defaultSendBuffer = 64
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 4096
)

// Message is the envelope pushed to subscribers
type Message struct {
	Type      string                 `json:"type"`
	JobID     string                 `json:"job_id"`
	EventID   string                 `json:"event_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt *time.Time             `json:"created_at,omitempty"`
}

type client struct {
	gw    *Gateway
	conn  *websocket.Conn
	jobID string
	tier  Tier
	send  chan []byte
	once  sync.Once
}

type subscriberSet struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

// Gateway fans events out to the connections subscribed to each job.
// Every job has its own subscriber set so unrelated jobs never contend.
type Gateway struct {
	jobs       sync.Map // job id -> *subscriberSet
	sendBuffer int
}

// New creates a new Gateway. A non-positive sendBuffer uses the default.
func New(sendBuffer int) *Gateway {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	return &Gateway{sendBuffer: sendBuffer}
}

// Subscribe registers an already admitted connection for a job's events and
// starts its pumps. The connection is unregistered when it closes or a
// write to it fails.
func (g *Gateway) Subscribe(jobID string, tier Tier, conn *websocket.Conn) {
	c := &client{
		gw:    g,
		conn:  conn,
		jobID: jobID,
		tier:  tier,
		send:  make(chan []byte, g.sendBuffer),
	}

	welcome, _ := json.Marshal(Message{Type: "CONNECTED", JobID: jobID})
	c.send <- welcome

	g.add(c)
	logger.Infof("[WEBSOCKET] Client connected JobID=%s Tier=%s Clients=%d", jobID, tier, g.ClientCount(jobID))

	go c.writePump()
	go c.readPump()
}

// Publish delivers an event to every live subscriber of its job in both
// tiers. It never blocks: a subscriber whose buffer is full is dropped.
func (g *Gateway) Publish(event *models.Event) {
	v, ok := g.jobs.Load(event.JobID)
	if !ok {
		return
	}
	set := v.(*subscriberSet)

	createdAt := event.CreatedAt
	data, err := json.Marshal(Message{
		Type:      string(event.Type),
		JobID:     event.JobID,
		EventID:   event.ID,
		Payload:   event.Payload,
		CreatedAt: &createdAt,
	})
	if err != nil {
		logger.Errorf("[WEBSOCKET] Failed to encode event %s: %v", event.ID, err)
		return
	}

	var slow []*client
	set.mu.RLock()
	for c := range set.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	set.mu.RUnlock()

	for _, c := range slow {
		logger.Warnf("[WEBSOCKET] Dropping slow client JobID=%s Tier=%s", c.jobID, c.tier)
		c.close()
	}
}

// CloseJob disconnects every subscriber of a job
func (g *Gateway) CloseJob(jobID string) {
	v, ok := g.jobs.Load(jobID)
	if !ok {
		return
	}
	set := v.(*subscriberSet)

	set.mu.RLock()
	clients := make([]*client, 0, len(set.clients))
	for c := range set.clients {
		clients = append(clients, c)
	}
	set.mu.RUnlock()

	for _, c := range clients {
		c.close()
	}
}

// ClientCount returns the number of connected clients for a job across tiers
func (g *Gateway) ClientCount(jobID string) int {
	return g.TierCount(jobID, "")
}

// TierCount returns the number of connected clients for a job in one tier.
// An empty tier counts both.
func (g *Gateway) TierCount(jobID string, tier Tier) int {
	v, ok := g.jobs.Load(jobID)
	if !ok {
		return 0
	}
	set := v.(*subscriberSet)
	set.mu.RLock()
	defer set.mu.RUnlock()

	n := 0
	for c := range set.clients {
		if tier == "" || c.tier == tier {
			n++
		}
	}
	return n
}

func (g *Gateway) add(c *client) {
	for {
		v, _ := g.jobs.LoadOrStore(c.jobID, &subscriberSet{clients: make(map[*client]struct{})})
		set := v.(*subscriberSet)

		set.mu.Lock()
		if set.closed {
			// Lost a race with the last client leaving; the set is being
			// removed from the map, so retry with a fresh one.
			set.mu.Unlock()
			continue
		}
		set.clients[c] = struct{}{}
		set.mu.Unlock()
		return
	}
}

// remove unregisters c and reports whether it was still registered
func (g *Gateway) remove(c *client) bool {
	v, ok := g.jobs.Load(c.jobID)
	if !ok {
		return false
	}
	set := v.(*subscriberSet)

	set.mu.Lock()
	_, present := set.clients[c]
	delete(set.clients, c)
	if len(set.clients) == 0 && !set.closed {
		set.closed = true
		g.jobs.CompareAndDelete(c.jobID, set)
	}
	set.mu.Unlock()
	return present
}

// close unregisters the client and tears down its connection. Once remove
// returns no publisher can still hold c, so closing send is safe.
func (c *client) close() {
	c.once.Do(func() {
		c.gw.remove(c)
		close(c.send)
		if c.conn != nil {
			c.conn.Close()
		}
		logger.Infof("[WEBSOCKET] Client disconnected JobID=%s Tier=%s Clients=%d", c.jobID, c.tier, c.gw.ClientCount(c.jobID))
	})
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Warnf("[WEBSOCKET] Write failed JobID=%s Tier=%s: %v", c.jobID, c.tier, err)
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

// readPump discards inbound messages; its only job is noticing closure.
func (c *client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
