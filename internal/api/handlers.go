package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"plateau-stream/internal/bits"
	"plateau-stream/internal/geo"
	"plateau-stream/internal/logger"
	"plateau-stream/internal/metrics"
	"plateau-stream/internal/streamer"
	"plateau-stream/internal/ws"
)

// PositionRequest represents a viewpoint update
type PositionRequest struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// PositionResponse represents the streamer state after a viewpoint update.
// Covered is false when the home tile lies outside the coverage mask; the
// viewpoint still moves and covered neighbors still stream.
type PositionResponse struct {
	Ok      bool          `json:"ok"`
	Queued  int           `json:"queued"`
	Code    string        `json:"code"`
	Tile    geo.TileIndex `json:"tile"`
	Center  geo.Geodetic  `json:"center"`
	Covered bool          `json:"covered"`
}

// StatsResponse is the streamer's counters plus its subscriber fan-out
type StatsResponse struct {
	streamer.Stats
	Rooms       int `json:"rooms"`
	Subscribers int `json:"subscribers"`
}

// OffsetResponse is a geodetic point in the render frame
type OffsetResponse struct {
	Position streamer.Vec3 `json:"position"`
	Center   geo.Geodetic  `json:"center"`
}

// Config holds the server configuration
type Config struct {
	WSWriteBuffer int
}

// Pinger reports the health of an optional backing store
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler handles HTTP requests
type Handler struct {
	st       *streamer.Streamer
	hub      *ws.Hub
	cache    Pinger
	config   Config
	mask     *geo.Mask
	upgrader websocket.Upgrader
}

// NewHandler creates a new API handler. cache and mask may be nil.
func NewHandler(st *streamer.Streamer, hub *ws.Hub, cache Pinger, config Config, mask *geo.Mask) *Handler {
	return &Handler{
		st:     st,
		hub:    hub,
		cache:  cache,
		config: config,
		mask:   mask,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
			WriteBufferSize: config.WSWriteBuffer,
		},
	}
}

// Routes registers every endpoint, wrapped in CORS, on a new mux
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/position", cors(h.PostPosition))
	mux.HandleFunc("/offset", cors(h.GetOffset))
	mux.HandleFunc("/stats", cors(h.GetStats))
	mux.HandleFunc("/sub", cors(h.HandleWebSocket))
	mux.HandleFunc("/healthz", cors(h.Healthz))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		// Handle preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// PostPosition handles POST /position
func (h *Handler) PostPosition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req PositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", 400)
		return
	}
	if !validLatLon(req.Lat, req.Lon) {
		http.Error(w, "lat/lon out of range", 400)
		return
	}

	queued := h.st.SetCurrentPosition(req.Lon, req.Lat)
	tile, _ := h.st.CurrentTile()
	covered := h.mask == nil || h.mask.Covers(tile)

	logger.L().Debug("position update", "ip", getIP(r), "lat", req.Lat, "lon", req.Lon, "queued", queued, "covered", covered)

	writeJSON(w, PositionResponse{
		Ok:      true,
		Queued:  queued,
		Code:    bits.Encode(tile.X, tile.Y).String(),
		Tile:    tile,
		Center:  h.st.Center(),
		Covered: covered,
	})
}

// GetOffset handles GET /offset?lat=&lon=[&h=]
func (h *Handler) GetOffset(w http.ResponseWriter, r *http.Request) {
	lat, err := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	if err != nil {
		http.Error(w, "Invalid lat parameter", 400)
		return
	}
	lon, err := strconv.ParseFloat(r.URL.Query().Get("lon"), 64)
	if err != nil {
		http.Error(w, "Invalid lon parameter", 400)
		return
	}
	if !validLatLon(lat, lon) {
		http.Error(w, "lat/lon out of range", 400)
		return
	}

	height := 0.0
	if hs := r.URL.Query().Get("h"); hs != "" {
		if height, err = strconv.ParseFloat(hs, 64); err != nil {
			http.Error(w, "Invalid h parameter", 400)
			return
		}
	}

	if _, ok := h.st.CurrentTile(); !ok {
		http.Error(w, "no position set", http.StatusConflict)
		return
	}

	writeJSON(w, OffsetResponse{
		Position: h.st.AnchorPos(lat, lon, height),
		Center:   h.st.Center(),
	})
}

// GetStats handles GET /stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, StatsResponse{
		Stats:       h.st.Stats(),
		Rooms:       h.hub.GetRoomCount(),
		Subscribers: h.hub.GetSubscriberCount(h.st.ID()),
	})
}

// HandleWebSocket handles WebSocket connections for /sub. Subscribers
// receive every placement of the server's streamer.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	room := h.st.ID()
	if id := r.URL.Query().Get("streamer"); id != "" && id != room {
		http.Error(w, "unknown streamer", 404)
		return
	}

	// Upgrade connection
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// Register connection
	c := h.hub.RegisterConn(conn, room)
	if c == nil {
		conn.Close()
		return
	}

	// Start pumps
	go c.WritePump()
	go c.ReadPump()
}

// Healthz handles GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.cache != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.cache.Ping(ctx); err != nil {
			http.Error(w, "Redis unhealthy", 500)
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("OK"))
}

func validLatLon(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L().Error("encode response", "err", err)
	}
}

func getIP(r *http.Request) string {
	// Check for Cloudflare headers
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		return ip
	}

	// Check for X-Forwarded-For
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return ip
	}

	// Fall back to RemoteAddr
	return r.RemoteAddr
}
