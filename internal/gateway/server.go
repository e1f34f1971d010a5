package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/callwise/livecoach/internal/app"
	"github.com/callwise/livecoach/internal/ingest"
	"github.com/callwise/livecoach/pkg/types"
)

const (
	// writeTimeout bounds a single nudge delivery to a subscriber.
	writeTimeout = 5 * time.Second

	// maxFrameSize caps inbound websocket frames.
	maxFrameSize = 64 * 1024
)

// Server is the HTTP and websocket boundary of the pipeline. It exposes the
// conversation lifecycle as REST endpoints and the transcription and nudge
// streams as websockets, delegating everything to the conversation manager.
type Server struct {
	manager *app.Manager
	logger  *slog.Logger
}

// NewServer builds a gateway around the given conversation manager.
func NewServer(manager *app.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		manager: manager,
		logger:  logger.With("component", "gateway"),
	}
}

// Register installs the gateway routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/conversations/{id}/start", s.handleStart)
	mux.HandleFunc("POST /v1/conversations/{id}/stop", s.handleStop)
	mux.HandleFunc("GET /v1/conversations/{id}/transcription", s.handleTranscription)
	mux.HandleFunc("GET /v1/conversations/{id}/nudges", s.handleNudges)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}
	if req.TechnicianID == "" {
		writeError(w, http.StatusBadRequest, "technician_id is required")
		return
	}

	err := s.manager.Start(r.Context(), app.StartRequest{
		ConversationID: id,
		TechnicianID:   req.TechnicianID,
		Job:            req.Job,
	})
	switch {
	case errors.Is(err, app.ErrConversationExists):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.logger.Error("start conversation", "conversation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "start conversation")
	default:
		s.logger.Info("conversation started", "conversation_id", id, "technician_id", req.TechnicianID)
		writeJSON(w, http.StatusCreated, map[string]string{"conversation_id": id, "status": string(types.ConversationInProgress)})
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	err := s.manager.Stop(r.Context(), id)
	switch {
	case errors.Is(err, app.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		s.logger.Error("stop conversation", "conversation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "stop conversation")
	default:
		s.logger.Info("conversation stopped", "conversation_id", id)
		writeJSON(w, http.StatusOK, map[string]string{"conversation_id": id, "status": string(types.ConversationCompleted)})
	}
}

// handleTranscription accepts the transcription websocket and pumps segment
// frames into the pipeline until the peer disconnects or the conversation
// ends. Malformed segments are logged and skipped, never fatal to the stream.
func (s *Server) handleTranscription(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.manager.Active(id) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("transcription accept failed", "conversation_id", id, "error", err)
		return
	}
	conn.SetReadLimit(maxFrameSize)
	defer conn.Close(websocket.StatusInternalError, "transcription stream closed")

	log := s.logger.With("conversation_id", id)
	log.Info("transcription stream opened")

	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				log.Info("transcription stream closed by peer")
			} else {
				log.Warn("transcription read", "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var msg segmentMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("malformed transcription frame", "error", err)
			continue
		}
		if msg.Type != "transcription_segment" {
			continue
		}

		err = s.manager.Ingest(ctx, id, ingest.Event{
			SegmentID:  msg.SegmentID,
			Speaker:    types.SpeakerRole(msg.SpeakerType),
			Text:       msg.Text,
			Start:      msg.StartTime,
			End:        msg.EndTime,
			Confidence: msg.Confidence,
			IsFinal:    msg.IsFinal,
		})
		var verr *ingest.ValidationError
		switch {
		case errors.As(err, &verr):
			log.Warn("segment rejected", "segment_id", verr.SegmentID, "reason", verr.Reason)
		case errors.Is(err, app.ErrConversationNotFound):
			conn.Close(websocket.StatusNormalClosure, "conversation ended")
			return
		case err != nil:
			log.Warn("ingest segment", "segment_id", msg.SegmentID, "error", err)
		}
	}
}

// handleNudges accepts the nudge websocket, subscribes the connection as a
// delivery client, and reads action frames until the peer disconnects.
func (s *Server) handleNudges(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.manager.Active(id) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("nudge accept failed", "conversation_id", id, "error", err)
		return
	}
	conn.SetReadLimit(maxFrameSize)
	defer conn.Close(websocket.StatusInternalError, "nudge stream closed")

	log := s.logger.With("conversation_id", id)

	client := &wsClient{id: uuid.New().String(), conn: conn}
	if err := s.manager.Subscribe(id, client); err != nil {
		log.Warn("subscribe failed", "error", err)
		conn.Close(websocket.StatusNormalClosure, "conversation ended")
		return
	}
	defer s.manager.Unsubscribe(id, client.id)

	log.Info("nudge subscriber connected", "client_id", client.id)

	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				log.Info("nudge subscriber disconnected", "client_id", client.id)
			} else {
				log.Warn("nudge stream read", "client_id", client.id, "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var msg actionMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("malformed action frame", "error", err)
			continue
		}
		if err := s.manager.Action(ctx, id, msg.NudgeID, msg.Action); err != nil {
			log.Warn("nudge action", "nudge_id", msg.NudgeID, "action", msg.Action, "error", err)
		}
	}
}

// wsClient adapts a websocket connection to the dispatcher's delivery
// interface. Writes are serialized so concurrent deliveries never interleave
// frames.
type wsClient struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) ID() string { return c.id }

func (c *wsClient) Deliver(ctx context.Context, n *types.Nudge) error {
	data, err := json.Marshal(nudgeToMessage(n))
	if err != nil {
		return fmt.Errorf("gateway: marshal nudge: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("gateway: deliver nudge: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
