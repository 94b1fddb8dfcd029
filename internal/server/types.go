package server

// Inbound client message types beyond the shared event discriminators.
const (
	msgTypeTaskRequest = "task_request"
	msgTypeGetHistory  = "get_history"
)

// History source selectors and response labels.
const (
	historyTypeUser   = "user"
	historyTypeGlobal = "global"
)

// Default and initial history sizes, matching what clients expect on
// (re)connect versus explicit requests.
const (
	connectHistoryLimit = 20
	defaultHistoryLimit = 50
)

// clientMessage is the JSON shape clients send over the websocket.
type clientMessage struct {
	Type        string  `json:"type"`
	Content     string  `json:"content"`
	Timestamp   float64 `json:"timestamp"`
	Limit       int64   `json:"limit"`
	HistoryType string  `json:"history_type"`
}

// taskRequest is the POST /tasks body.
type taskRequest struct {
	ClientID string `json:"client_id"`
}

// historyResponse is the GET /chat/history body.
type historyResponse struct {
	Messages    any    `json:"messages"`
	Count       int    `json:"count"`
	HistoryType string `json:"history_type"`
}
