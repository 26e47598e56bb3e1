package tracker

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// 1x1 transparent GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x2c,
	0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02,
	0x02, 0x44, 0x01, 0x00, 0x3b,
}

// Handler serves the public tracking endpoints. Link payloads are
// base64(campaignID|recipientID|occurrenceUnix[|url]); a malformed open
// still gets its pixel so broken links never render as broken images.
type Handler struct {
	sink Sink
}

func NewHandler(sink Sink) *Handler {
	return &Handler{sink: sink}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/open/{data}", h.HandleOpen)
	r.Get("/click/{data}", h.HandleClick)
	r.Get("/unsubscribe/{data}", h.HandleUnsubscribe)
	return r
}

// HandleEvent ingests a delivery-event webhook from a gateway. The body is
// one EngagementEvent in JSON; accepted events are queued through the sink
// and deduplicated downstream, so gateway retries are harmless.
func (h *Handler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	var evt EngagementEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		http.Error(w, "invalid event payload", http.StatusBadRequest)
		return
	}
	if _, err := deliveryKind(evt.Kind); err != nil && evt.Kind != EngagementUnsubscribe {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if evt.CampaignID == "" || evt.RecipientID == "" {
		http.Error(w, "campaign_id and recipient_id are required", http.StatusBadRequest)
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	h.sink.Publish(r.Context(), evt)
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	evt, ok := decodePayload(r, EngagementOpen, 3)
	if ok {
		h.sink.Publish(r.Context(), evt)
	}
	h.servePixel(w)
}

func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	evt, ok := decodePayload(r, EngagementClick, 4)
	if !ok || evt.LinkURL == "" {
		http.Error(w, "bad link", http.StatusBadRequest)
		return
	}
	h.sink.Publish(r.Context(), evt)
	http.Redirect(w, r, evt.LinkURL, http.StatusTemporaryRedirect)
}

func (h *Handler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	evt, ok := decodePayload(r, EngagementUnsubscribe, 3)
	if !ok {
		http.Error(w, "bad link", http.StatusBadRequest)
		return
	}
	h.sink.Publish(r.Context(), evt)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(`<!DOCTYPE html><html><body style="font-family:Arial,sans-serif;text-align:center;padding:50px;">
		<h1>You have been unsubscribed</h1>
		<p>You will no longer receive broadcasts from us.</p>
	</body></html>`))
}

func decodePayload(r *http.Request, kind EngagementKind, minParts int) (EngagementEvent, bool) {
	decoded, err := base64.URLEncoding.DecodeString(chi.URLParam(r, "data"))
	if err != nil {
		return EngagementEvent{}, false
	}
	parts := strings.Split(string(decoded), "|")
	if len(parts) < minParts {
		return EngagementEvent{}, false
	}

	occurrence, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return EngagementEvent{}, false
	}

	evt := EngagementEvent{
		Kind:        kind,
		CampaignID:  parts[0],
		RecipientID: parts[1],
		Occurrence:  occurrence,
		IPAddress:   realIP(r),
		UserAgent:   r.UserAgent(),
		Timestamp:   time.Now().UTC(),
	}
	if len(parts) > 3 {
		evt.LinkURL = parts[3]
	}
	return evt, true
}

// EncodePayload builds the opaque link token the renderer embeds in
// outgoing messages.
func EncodePayload(campaignID, recipientID string, occurrence int64, linkURL string) string {
	raw := campaignID + "|" + recipientID + "|" + strconv.FormatInt(occurrence, 10)
	if linkURL != "" {
		raw += "|" + linkURL
	}
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Write(pixelGIF)
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
