package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"bus-tracker/internal/hub"
	"bus-tracker/internal/transit"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// Observer actions.
const (
	actionJoin     = "join"
	actionLeave    = "leave"
	actionJoinAll  = "join-all"
	actionLeaveAll = "leave-all"
)

// wsMessage is sent by observers to pick the vehicles they follow.
type wsMessage struct {
	Action  string `json:"action"`
	Vehicle string `json:"vehicle"`
}

// wsReply acknowledges an action or reports a bad message.
type wsReply struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if allowsAnyOrigin(s.origins) {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, o := range s.origins {
		if strings.EqualFold(o, origin) || strings.EqualFold(o, u.Scheme+"://"+u.Host) {
			return true
		}
	}
	return false
}

// serveWs upgrades the request and relays hub events for the topics the
// observer joins. One goroutine reads actions, another owns every write.
func (s *Server) serveWs(c *gin.Context) {
	conn, err := s.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithError(err).Warn("websocket upgrade failed")
		return
	}

	sub := s.hub.NewSubscriber()
	log := logrus.WithField("subscriber", sub.ID())
	replies := make(chan wsReply, 8)
	done := make(chan struct{})

	go s.writePump(conn, sub, replies, done, log)
	s.readPump(conn, sub, replies, log)

	s.hub.Remove(sub)
	close(done)
}

func (s *Server) readPump(conn *websocket.Conn, sub *hub.Subscriber, replies chan<- wsReply, log *logrus.Entry) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Debug("websocket closed")
			}
			return
		}
		reply := s.handleAction(sub, data)
		select {
		case replies <- reply:
		default:
		}
	}
}

func (s *Server) handleAction(sub *hub.Subscriber, data []byte) wsReply {
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return errorReply("invalid message")
	}

	var (
		topic hub.Topic
		join  bool
	)
	switch msg.Action {
	case actionJoin, actionLeave:
		if transit.NormalizeCode(msg.Vehicle) == "" {
			return errorReply("vehicle is required")
		}
		topic, join = hub.VehicleTopic(msg.Vehicle), msg.Action == actionJoin
	case actionJoinAll, actionLeaveAll:
		topic, join = hub.AllVehicles, msg.Action == actionJoinAll
	default:
		return errorReply("unknown action")
	}

	if !join {
		s.hub.Unsubscribe(topic, sub)
		return wsReply{Event: "left", Data: topic}
	}
	if err := s.hub.Subscribe(topic, sub); err != nil {
		return errorReply(err.Error())
	}
	return wsReply{Event: "joined", Data: topic}
}

func errorReply(msg string) wsReply {
	return wsReply{Event: "error", Data: gin.H{"message": msg}}
}

func (s *Server) writePump(conn *websocket.Conn, sub *hub.Subscriber, replies <-chan wsReply, done <-chan struct{}, log *logrus.Entry) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	write := func(v any) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(v); err != nil {
			log.WithError(err).Debug("websocket write failed")
			return false
		}
		return true
	}

	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.C():
			if !ok {
				// Dropped by the hub for falling behind, or shutting down.
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscription closed"))
				return
			}
			if !write(ev) {
				return
			}
		case r := <-replies:
			if !write(r) {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
