package session

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tumicodes/support-desk/backend/internal/service/broker"
	"github.com/tumicodes/support-desk/backend/pkg/utils"
)

// Handler 会话 REST 接口处理器
type Handler struct {
	broker *broker.Broker
}

// New 创建会话处理器
func New(b *broker.Broker) *Handler {
	return &Handler{broker: b}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/start", h.handleStart)
	r.Post("/end", h.handleEnd)
	r.Get("/queue-status", h.handleQueueStatus)
}

// handleStart 发起新的支持会话
func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	res, err := h.broker.StartSession()
	if err != nil {
		if errors.Is(err, broker.ErrQueueFull) {
			utils.RespondJSON(w, http.StatusTooManyRequests, map[string]any{
				"success": false,
				"status":  broker.StatusRejected,
				"error":   "support queue is full, try again later",
			})
			return
		}
		utils.RespondError(w, http.StatusInternalServerError, "failed to start session")
		return
	}

	payload := map[string]any{
		"success":   true,
		"status":    res.Status,
		"sessionId": res.SessionID,
	}
	switch res.Status {
	case broker.StatusConnected:
		payload["message"] = "Connecting you to support..."
	case broker.StatusQueued:
		payload["position"] = res.Position
		payload["message"] = "You have been added to the queue"
	}
	utils.RespondJSON(w, http.StatusOK, payload)
}

// handleEnd 结束指定会话
func (h *Handler) handleEnd(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.SessionID == "" {
		utils.RespondError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	res := h.broker.EndSession(payload.SessionID, "ended by visitor")
	out := map[string]any{
		"success": true,
		"status":  "ended",
	}
	if res.NextActiveID != "" {
		out["nextActiveId"] = res.NextActiveID
	}
	utils.RespondJSON(w, http.StatusOK, out)
}

// handleQueueStatus 查询队列状态
func (h *Handler) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	st := h.broker.QueueStatus()
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"active":    st.ActiveID,
		"queueSize": st.QueueSize,
		"sessions":  st.Sessions,
		"queue":     st.Queue,
	})
}
