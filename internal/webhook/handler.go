package webhook

import (
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/reporelay/reporelay/internal/hub"
	"github.com/reporelay/reporelay/internal/metrics"
)

// Sender is the hub surface the router needs.
type Sender interface {
	Send(identity int64, msg hub.Message)
	Broadcast(msg hub.Message, exempt int64)
}

// Handler terminates the delivery endpoint: GET answers the reachability
// probe, POST verifies and routes a delivery.
type Handler struct {
	verifier *Verifier
	sender   Sender
	log      *zap.Logger
}

// NewHandler creates the delivery endpoint handler.
func NewHandler(verifier *Verifier, sender Sender, log *zap.Logger) *Handler {
	return &Handler{
		verifier: verifier,
		sender:   sender,
		log:      log.With(zap.String("module", "webhook")),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		w.WriteHeader(http.StatusOK)
	case http.MethodPost:
		h.handleDelivery(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleDelivery(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	event := r.Header.Get("x-github-event")

	outcome, err := h.verifier.Verify(r.Header.Get("x-hub-signature"), event, body)
	if err != nil {
		metrics.DeliveriesTotal.WithLabelValues("rejected").Inc()
		h.log.Warn("rejected delivery", zap.String("event", event), zap.Error(err))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// GitHub only needs the acknowledgement; routing happens after the
	// verdict on the raw body.
	switch outcome.Action {
	case ActionAck:
		metrics.DeliveriesTotal.WithLabelValues("ping").Inc()
	case ActionBroadcast:
		metrics.DeliveriesTotal.WithLabelValues("broadcast").Inc()
		h.sender.Broadcast(hub.Message{
			Type:    "main-app-event",
			Content: envelope(event, body),
		}, hub.NoExempt)
	case ActionUnicast:
		metrics.DeliveriesTotal.WithLabelValues("unicast").Inc()
		h.sender.Send(outcome.OwnerID, hub.Message{
			Type:    "user-repos-event",
			Content: envelope(event, body),
		})
	}
	w.WriteHeader(http.StatusOK)
}

// envelope wraps a delivery for clients as {event, body} with the body
// re-exposed as parsed JSON.
func envelope(event string, body []byte) map[string]interface{} {
	var parsed interface{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		parsed = string(body)
	}
	return map[string]interface{}{
		"event": event,
		"body":  parsed,
	}
}
