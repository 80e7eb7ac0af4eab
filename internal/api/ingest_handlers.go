package api

import (
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/ecs/credit-pipeline/internal/domain"
	"github.com/ecs/credit-pipeline/pkg/rabbitmq"
)

const maxBodyBytes = 1 << 20

// IngestHandler validates incoming events and publishes them on the bus.
type IngestHandler struct {
	publisher rabbitmq.Publisher
}

// NewIngestHandler creates a new IngestHandler.
func NewIngestHandler(publisher rabbitmq.Publisher) *IngestHandler {
	return &IngestHandler{publisher: publisher}
}

func (h *IngestHandler) handleEmotionStream(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	event, err := domain.DecodeEmotionEvent(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	event.SchemaVersion = domain.CurrentSchemaVersion
	event.TraceID = strings.TrimSpace(r.Header.Get("X-Request-ID"))
	if event.TraceID == "" {
		event.TraceID = uuid.NewString()
	}

	if err := h.publisher.Publish(r.Context(), domain.SubjectEmotions, event); err != nil {
		log.Printf("level=error component=api msg=\"emotion event publish failed\" user_id=%s trace_id=%s err=%v", event.UserID, event.TraceID, err)
		writeError(w, http.StatusServiceUnavailable, "Event bus unavailable")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "event received", "traceId": event.TraceID})
}

func (h *IngestHandler) handleTransaction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	event, err := domain.DecodeTransactionEvent(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	event.SchemaVersion = domain.CurrentSchemaVersion

	if err := h.publisher.Publish(r.Context(), domain.SubjectTransactions, event); err != nil {
		log.Printf("level=error component=api msg=\"transaction event publish failed\" user_id=%s err=%v", event.UserID, err)
		writeError(w, http.StatusServiceUnavailable, "Event bus unavailable")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "event received", "userId": event.UserID})
}
