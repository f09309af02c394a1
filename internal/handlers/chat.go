package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"

	"github.com/MegaGrindStone/rag-chat-client/internal/chat"
	"github.com/MegaGrindStone/rag-chat-client/internal/models"
)

type sendRequest struct {
	Message string            `json:"message"`
	Mode    models.SearchMode `json:"mode"`
}

type sendResponse struct {
	UserMessageID string `json:"userMessageId"`
	BotMessageID  string `json:"botMessageId"`
	Dispatched    bool   `json:"dispatched"`
	Failure       string `json:"failure,omitempty"`
}

// HandleMessages serves the message list of the session.
//
// GET returns the list as JSON. POST sends a new message, read either from a JSON body or from the "message" and
// "mode" form fields; the reply is not awaited and arrives later through the "messages" events. DELETE clears the
// list.
func (m Main) HandleMessages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		m.writeJSON(w, http.StatusOK, m.chat.Messages())
	case http.MethodPost:
		m.handleSend(w, r)
	case http.MethodDelete:
		m.chat.Clear()
		w.WriteHeader(http.StatusNoContent)
	default:
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleStatus returns the connectivity of the event stream as JSON.
func (m Main) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	m.writeJSON(w, http.StatusOK, m.chat.Status())
}

// HandleReconnect makes the session connect its event stream again right away.
func (m Main) HandleReconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	m.chat.Reconnect()
	w.WriteHeader(http.StatusAccepted)
}

// HandleSSE subscribes the client to the "messages" and "status" events.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

func (m Main) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			m.logger.Error("Failed to decode request", slog.String(errLoggerKey, err.Error()))
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	} else {
		req.Message = r.FormValue("message")
		mode, err := models.ParseSearchMode(r.FormValue("mode"))
		if err != nil {
			m.logger.Error("Invalid mode", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		req.Mode = mode
	}

	out, err := m.chat.Send(r.Context(), req.Message, req.Mode)
	if err != nil {
		m.logger.Error("Failed to send message", slog.String(errLoggerKey, err.Error()))
		status := http.StatusInternalServerError
		if errors.Is(err, chat.ErrEmptyMessage) || errors.Is(err, models.ErrUnknownSearchMode) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	m.writeJSON(w, http.StatusAccepted, sendResponse{
		UserMessageID: out.UserMessageID,
		BotMessageID:  out.BotMessageID,
		Dispatched:    out.Dispatched,
		Failure:       out.Failure,
	})
}

func (m Main) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Error("Failed to encode response", slog.String(errLoggerKey, err.Error()))
	}
}
