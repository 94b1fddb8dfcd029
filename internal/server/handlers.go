package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"chatrelay/internal/bridge"
	"chatrelay/internal/event"
	"chatrelay/internal/identity"
	"chatrelay/internal/metric"
	"chatrelay/internal/registry"
)

// upgrader accepts any origin: identity here is a history partition key, not
// an authentication boundary, and instances sit behind a load balancer.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWebSocket upgrades a client connection, registers it, replays
// history, and runs the read loop until disconnect.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimPrefix(r.URL.Path, "/ws/")
	if clientID == "" || strings.Contains(clientID, "/") {
		http.Error(w, "client ID required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Server] Upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	client := newWSClient(conn, r.RemoteAddr)

	reg, err := s.registry.Connect(s.baseCtx, clientID, client, r.RemoteAddr)
	if err != nil {
		if errors.Is(err, registry.ErrDuplicateConnection) {
			// Reject the newcomer; the existing registration stays untouched.
			msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "client ID already connected")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		} else {
			log.Printf("[Server] Connect failed for %s: %v", clientID, err)
		}
		client.close()
		return
	}

	go client.writePump()

	s.sendConnectionInfo(clientID, reg.ClientIP)
	s.sendInitialHistory(clientID)

	s.readLoop(client, clientID)

	// The registry drops its transport reference before the socket is torn
	// down, so no send can outlive the close.
	s.registry.Disconnect(clientID)
	s.announceDeparture(clientID)
	client.close()
}

// readLoop dispatches inbound client messages until the connection drops.
func (s *Server) readLoop(client *wsClient, clientID string) {
	client.setupRead()

	for {
		_, raw, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[Server] Unexpected close from %s: %v", client.addr, err)
			}
			return
		}

		s.metrics.Messages.WithLabelValues(s.cfg.InstanceID, metric.DirectionInbound).Inc()

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("[Server] Invalid message from %s: %v", client.addr, err)
			continue
		}

		switch msg.Type {
		case event.TypeChat, "":
			s.handleChatMessage(clientID, client.addr, msg)
		case msgTypeTaskRequest:
			s.handleTaskRequest(clientID)
		case msgTypeGetHistory:
			s.handleHistoryRequest(clientID, msg)
		default:
			log.Printf("[Server] Unknown message type %q from %s", msg.Type, client.addr)
		}
	}
}

// handleChatMessage builds the canonical chat event, fans it out locally
// first, then publishes it for peer instances exactly once. The local-first
// ordering guarantees clients on this instance never observe a replication
// race for their own traffic.
func (s *Server) handleChatMessage(clientID, remoteAddr string, msg clientMessage) {
	ts := msg.Timestamp
	if ts <= 0 {
		ts = nowSeconds()
	}

	ev := event.NewChat(clientID, identity.OriginHost(remoteAddr), msg.Content, s.cfg.InstanceID, ts)

	s.registry.BroadcastLocal(s.baseCtx, ev)

	if err := s.bridge.Publish(s.baseCtx, bridge.ChatChannel, ev); err != nil {
		log.Printf("[Server] Publish failed (local delivery unaffected): %v", err)
	}
}

// handleTaskRequest creates a simulated task, acknowledges it, and completes
// it asynchronously. Notifications go to the requesting connection only.
func (s *Server) handleTaskRequest(clientID string) {
	taskID, info := s.tasks.Create(clientID)

	ack := &event.TaskNotification{Type: event.TypeTaskCreated, TaskID: taskID, Details: info}
	if err := s.registry.SendTo(s.baseCtx, clientID, ack); err != nil {
		log.Printf("[Server] Failed to ack task %s: %v", taskID, err)
	}

	go s.runTask(taskID, clientID)
}

// runTask drives one task to completion and notifies the requester if still
// connected. A vanished requester is the expected race, not an error.
func (s *Server) runTask(taskID, clientID string) {
	info, err := s.tasks.Run(s.baseCtx, taskID)
	if err != nil {
		log.Printf("[Server] Task %s did not complete: %v", taskID, err)
		return
	}

	done := &event.TaskNotification{Type: event.TypeTaskCompleted, TaskID: taskID, Details: info}
	if err := s.registry.SendTo(s.baseCtx, clientID, done); err != nil && !errors.Is(err, registry.ErrNotConnected) {
		log.Printf("[Server] Failed to notify task %s completion: %v", taskID, err)
	}
}

// handleHistoryRequest serves an explicit history request over the socket.
func (s *Server) handleHistoryRequest(clientID string, msg clientMessage) {
	limit := msg.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	var messages []*event.Event
	source := historyTypeUser
	if msg.HistoryType == historyTypeGlobal {
		source = historyTypeGlobal
		messages = s.registry.GlobalHistory(s.baseCtx, limit)
	} else {
		messages = s.registry.HistoryFor(s.baseCtx, clientID, limit)
	}

	resp := event.NewMessageHistory(messages, source+"_history")
	if err := s.registry.SendTo(s.baseCtx, clientID, resp); err != nil && !errors.Is(err, registry.ErrNotConnected) {
		log.Printf("[Server] Failed to send history to %s: %v", clientID, err)
	}
}

// sendConnectionInfo greets a freshly-registered client.
func (s *Server) sendConnectionInfo(clientID, clientIP string) {
	info := event.NewConnectionInfo(s.cfg.InstanceID, clientID, clientIP, s.registry.Count())
	if err := s.registry.SendTo(s.baseCtx, clientID, info); err != nil {
		log.Printf("[Server] Failed to send connection info to %s: %v", clientID, err)
	}
}

// sendInitialHistory replays the client's own history on (re)connect,
// falling back to global history for first-time identities.
func (s *Server) sendInitialHistory(clientID string) {
	messages := s.registry.HistoryFor(s.baseCtx, clientID, connectHistoryLimit)
	source := historyTypeUser + "_history"
	if len(messages) == 0 {
		messages = s.registry.GlobalHistory(s.baseCtx, connectHistoryLimit)
		source = historyTypeGlobal + "_history"
	}
	if len(messages) == 0 {
		return
	}

	resp := event.NewMessageHistory(messages, source)
	if err := s.registry.SendTo(s.baseCtx, clientID, resp); err != nil {
		log.Printf("[Server] Failed to send initial history to %s: %v", clientID, err)
	}
}

// announceDeparture broadcasts and replicates a system notice after a
// disconnect.
func (s *Server) announceDeparture(clientID string) {
	ev := event.NewSystem(fmt.Sprintf("Client #%s left the chat", clientID), s.cfg.InstanceID, nowSeconds())

	s.registry.BroadcastLocal(s.baseCtx, ev)

	if err := s.bridge.Publish(s.baseCtx, bridge.SystemChannel, ev); err != nil {
		log.Printf("[Server] Publish failed (local delivery unaffected): %v", err)
	}
}

// handleHealth reports liveness plus replication health: degraded means this
// instance serves local traffic only.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if !s.bridge.Healthy() {
		status = "degraded"
	}

	s.metrics.HTTPRequests.WithLabelValues(r.Method, "/health", strconv.Itoa(code)).Inc()
	writeJSON(w, code, map[string]any{
		"status":      status,
		"instance_id": s.cfg.InstanceID,
	})
}

// handleInstance reports instance identity and load.
func (s *Server) handleInstance(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.startTime).Seconds()
	s.metrics.Uptime.Set(uptime)
	s.metrics.HTTPRequests.WithLabelValues(r.Method, "/instance", "200").Inc()

	writeJSON(w, http.StatusOK, map[string]any{
		"instance_id":      s.cfg.InstanceID,
		"uptime":           uptime,
		"connection_count": s.registry.Count(),
		"active_tasks":     s.tasks.ActiveCount(),
	})
}

// handleChatHistory serves history over plain HTTP for clients without a
// live socket. The user variant resolves identity from the query client_id
// and the request origin, the same derivation the registry uses at connect.
func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	limit := int64(defaultHistoryLimit)
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			limit = n
		}
	}

	historyType := r.URL.Query().Get("history_type")
	if historyType != historyTypeUser {
		historyType = historyTypeGlobal
	}

	var messages []*event.Event
	if historyType == historyTypeGlobal {
		messages = s.registry.GlobalHistory(r.Context(), limit)
	} else {
		clientID := r.URL.Query().Get("client_id")
		if clientID == "" {
			clientID = "api-client"
		}
		userID := identity.Resolve(clientID, r.RemoteAddr)
		var err error
		messages, err = s.store.UserMessages(r.Context(), userID, limit)
		if err != nil {
			log.Printf("[Server] Failed to fetch history for %s: %v", userID, err)
			messages = []*event.Event{}
		}
	}

	s.metrics.HTTPRequests.WithLabelValues(r.Method, "/chat/history", "200").Inc()
	writeJSON(w, http.StatusOK, historyResponse{
		Messages:    messages,
		Count:       len(messages),
		HistoryType: historyType,
	})
}

// handleCreateTask accepts a task request over HTTP and runs it in the
// background, mirroring the websocket task_request path.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.metrics.HTTPRequests.WithLabelValues(r.Method, "/tasks", "405").Inc()
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientID == "" {
		s.metrics.HTTPRequests.WithLabelValues(r.Method, "/tasks", "400").Inc()
		http.Error(w, "client_id required", http.StatusBadRequest)
		return
	}

	taskID, info := s.tasks.Create(req.ClientID)
	go s.runTask(taskID, req.ClientID)

	s.metrics.HTTPRequests.WithLabelValues(r.Method, "/tasks", "200").Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID,
		"details": info,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[Server] Failed to write response: %v", err)
	}
}

// nowSeconds returns the current time as float seconds, the wire timestamp
// unit.
func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
