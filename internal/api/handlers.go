package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"gridbot/internal/config"
	"gridbot/pkg/types"
)

// Handlers carries the dependencies shared by every route.
type Handlers struct {
	src    Source
	cfg    config.AdminConfig
	hub    *Hub
	logger *slog.Logger
}

func NewHandlers(src Source, cfg config.AdminConfig, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		src:    src,
		cfg:    cfg,
		hub:    hub,
		logger: logger.With("component", "api"),
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, code int, msg string) {
	h.writeJSON(w, code, map[string]string{"error": msg})
}

// HandleHealth is the liveness probe.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleStatus returns the operator view: gate, cycle count and every
// active basket with its position and VWAP.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.src.Status(r.Context())
	if err != nil {
		h.logger.Error("status", "error", err)
		h.writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

// createBasketRequest is the POST /api/baskets body. The anchor is
// optional; absent or zero anchors per the configured grid.
type createBasketRequest struct {
	AnchorPrice decimal.Decimal `json:"anchor_price"`
}

// HandleCreateBasket opens a new basket on operator request.
func (h *Handlers) HandleCreateBasket(w http.ResponseWriter, r *http.Request) {
	var req createBasketRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
			return
		}
	}
	if req.AnchorPrice.Sign() < 0 {
		h.writeError(w, http.StatusBadRequest, "anchor_price must be >= 0")
		return
	}

	b, err := h.src.CreateBasket(r.Context(), req.AnchorPrice)
	if err != nil {
		h.logger.Error("create basket", "error", err)
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusCreated, b)
}

// HandleStart resumes trading from the next cycle on.
func (h *Handlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	h.setGate(w, r, types.GateRunning)
}

// HandleStop suppresses order placement from the next cycle on. The
// loop keeps observing; resting orders stay on the venue.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	h.setGate(w, r, types.GateStopped)
}

func (h *Handlers) setGate(w http.ResponseWriter, r *http.Request, status types.GateStatus) {
	if err := h.src.SetGate(r.Context(), status); err != nil {
		h.logger.Error("set gate", "status", status, "error", err)
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

// emergencyCloseRequest names the basket to flatten.
type emergencyCloseRequest struct {
	BasketID string `json:"basket_id"`
}

// HandleEmergencyClose cancels a basket's orders and sells its whole
// position below market. The outcome is returned even when the close
// only partially succeeded.
func (h *Handlers) HandleEmergencyClose(w http.ResponseWriter, r *http.Request) {
	var req emergencyCloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}
	if req.BasketID == "" {
		h.writeError(w, http.StatusBadRequest, "basket_id is required")
		return
	}

	res, err := h.src.EmergencyClose(r.Context(), req.BasketID)
	if err != nil {
		h.logger.Error("emergency close", "basket", req.BasketID, "error", err)
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// HandleWebSocket upgrades to the event stream and sends the current
// status as the first frame.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), h.cfg, r.Host)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade", "error", err)
		return
	}
	client := NewClient(h.hub, conn)

	st, err := h.src.Status(r.Context())
	if err != nil {
		h.logger.Error("initial status", "error", err)
		return
	}
	data, err := json.Marshal(Event{Type: EventStatus, Timestamp: st.Timestamp, Data: st})
	if err != nil {
		h.logger.Error("marshal initial status", "error", err)
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

// isOriginAllowed decides whether a websocket upgrade may proceed. With
// an allowlist configured, only exact matches pass. Without one, local
// callers and same-host pages pass; everything else is refused.
func isOriginAllowed(origin string, cfg config.AdminConfig, reqHost string) bool {
	if origin == "" {
		// Non-browser clients send no Origin header.
		return true
	}
	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			if origin == allowed {
				return true
			}
		}
		return false
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Host == reqHost {
		return true
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
