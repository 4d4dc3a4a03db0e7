// Package status exposes a small HTTP surface with endpoint internals:
// connection table, channel counters and dispatch counters.
package status

import (
    "encoding/json"
    "errors"
    "net/http"
    "strconv"

    "github.com/gorilla/mux"
    "go.uber.org/zap"

    "msgnet/pkg/channel"
    "msgnet/pkg/conntable"
    "msgnet/pkg/dispatch"
)

// Snapshot is the full status document. Providers assemble it on demand so
// the HTTP layer never reaches into live structures.
type Snapshot struct {
    App       string           `json:"app"`
    Transport string           `json:"transport,omitempty"`
    Addr      string           `json:"addr,omitempty"`
    UptimeSec int64            `json:"uptime_sec"`
    Conns     []conntable.Info `json:"conns"`
    Engine    channel.Metrics  `json:"engine"`
    Dispatch  dispatch.Stats   `json:"dispatch"`
}

// Provider returns the current snapshot.
type Provider func() Snapshot

// Handler serves the status routes.
type Handler struct {
    provider Provider
}

func NewHandler(p Provider) *Handler { return &Handler{provider: p} }

func (h *Handler) RegisterRoutes(r *mux.Router) {
    r.HandleFunc("/healthz", h.healthHandler)
    r.HandleFunc("/status", h.statusHandler)
    r.HandleFunc("/status/conns", h.connsHandler)
    r.HandleFunc("/status/conns/{id:[0-9]+}", h.connHandler)
}

func (h *Handler) healthHandler(w http.ResponseWriter, r *http.Request) {
    w.Header().Set("Content-Type", "text/plain; charset=utf-8")
    _, _ = w.Write([]byte("ok\n"))
}

func (h *Handler) statusHandler(w http.ResponseWriter, r *http.Request) {
    writeJSON(w, h.provider())
}

func (h *Handler) connsHandler(w http.ResponseWriter, r *http.Request) {
    writeJSON(w, h.provider().Conns)
}

func (h *Handler) connHandler(w http.ResponseWriter, r *http.Request) {
    vars := mux.Vars(r)
    id, err := strconv.ParseUint(vars["id"], 10, 64)
    if err != nil {
        http.Error(w, "id not a number", http.StatusBadRequest)
        return
    }
    for _, in := range h.provider().Conns {
        if uint64(in.ID) == id {
            writeJSON(w, in)
            return
        }
    }
    http.Error(w, "connection not found", http.StatusNotFound)
}

func writeJSON(w http.ResponseWriter, v any) {
    w.Header().Set("Content-Type", "application/json")
    enc := json.NewEncoder(w)
    enc.SetIndent("", "  ")
    if err := enc.Encode(v); err != nil {
        http.Error(w, err.Error(), http.StatusInternalServerError)
    }
}

// Start runs the status server in the background and returns it for
// shutdown. Bind failures are logged, not fatal: losing the status page
// must not take the endpoint down.
func Start(addr string, p Provider) *http.Server {
    r := mux.NewRouter()
    NewHandler(p).RegisterRoutes(r)
    srv := &http.Server{Addr: addr, Handler: r}
    go func() {
        if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
            zap.L().Warn("status server", zap.String("addr", addr), zap.Error(err))
        }
    }()
    zap.L().Info("status server listening", zap.String("addr", addr))
    return srv
}
