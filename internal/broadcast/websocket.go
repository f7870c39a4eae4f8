package broadcast

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	maxMsgSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// WSHandler bridges websocket clients onto the bus. Each connection gets
// its own subscription; all writes to the connection go through a single
// write pump.
type WSHandler struct {
	bus    *Bus
	logger *log.Logger
}

func NewWSHandler(bus *Bus) *WSHandler {
	return &WSHandler{
		bus:    bus,
		logger: log.New(log.Writer(), "[Broadcast] ", log.LstdFlags),
	}
}

// ServeHTTP upgrades the request and streams broadcast messages until the
// client disconnects. The optional ?streams= query selects streams by
// comma-separated name; absent means all.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("Upgrade failed: %v", err)
		return
	}

	sub := h.bus.Subscribe(parseStreams(r.URL.Query().Get("streams"))...)
	h.logger.Printf("Client %s connected", sub.ID)

	go h.writePump(conn, sub)
	go h.readPump(conn, sub)
}

// writePump owns all writes to the connection: messages, pings, and the
// close frame.
func (h *WSHandler) writePump(conn *websocket.Conn, sub *Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.Close()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				h.logger.Printf("Encode failed for %s: %v", sub.ID, err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.logger.Printf("Write failed for %s: %v", sub.ID, err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump owns all reads. Clients are not expected to send data; the
// pump exists to process pongs and observe disconnects.
func (h *WSHandler) readPump(conn *websocket.Conn, sub *Subscription) {
	defer func() {
		sub.Close()
		conn.Close()
		h.logger.Printf("Client %s disconnected", sub.ID)
	}()

	conn.SetReadLimit(maxMsgSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Printf("Read error for %s: %v", sub.ID, err)
			}
			return
		}
	}
}

func parseStreams(raw string) []StreamType {
	if raw == "" {
		return nil
	}
	var out []StreamType
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			out = append(out, StreamType(name))
		}
	}
	return out
}
