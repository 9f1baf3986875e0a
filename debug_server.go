package alljoyn

import (
	"context"
	"encoding/json"
	"expvar"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"time"
)

// debugServer exposes operational endpoints for a BusAttachment over
// HTTP. All responses are JSON. Intended for admin/internal networks
// only.
type debugServer struct {
	bus      *BusAttachment
	server   *http.Server
	listener net.Listener
}

// newDebugServer creates a debugServer bound to the given address. The
// server is not started until start() is called.
func newDebugServer(bus *BusAttachment, addr string) (*debugServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	ds := &debugServer{
		bus:      bus,
		listener: ln,
		server: &http.Server{
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
	}

	mux.HandleFunc("/bus/status", ds.handleStatus)
	mux.HandleFunc("/bus/objects", ds.handleObjects)
	mux.HandleFunc("/bus/sessions", ds.handleSessions)
	mux.HandleFunc("/bus/peers", ds.handlePeers)
	mux.HandleFunc("/debug/vars", expvar.Handler().ServeHTTP)
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return ds, nil
}

// addr returns the listener's address (useful when binding to ":0").
func (ds *debugServer) addr() string {
	return ds.listener.Addr().String()
}

// start begins serving HTTP requests. Non-blocking.
func (ds *debugServer) start() {
	go func() {
		if err := ds.server.Serve(ds.listener); err != nil && err != http.ErrServerClosed {
			slog.Error("debug server error", "error", err)
		}
	}()
	slog.Info("debug server started", "addr", ds.addr())
}

// stop gracefully shuts down the debug server.
func (ds *debugServer) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ds.server.Shutdown(ctx)
}

// --- handlers ---

// busStatusResponse is the JSON structure for GET /bus/status.
type busStatusResponse struct {
	Application    string           `json:"application"`
	UniqueName     string           `json:"unique_name"`
	GUID           string           `json:"guid"`
	State          string           `json:"state"` // "started", "connected", "stopping"
	ActiveSessions int              `json:"active_sessions"`
	Metrics        map[string]int64 `json:"metrics"`
}

func (ds *debugServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	a := ds.bus
	state := "started"
	if a.isConnected.Load() {
		state = "connected"
	}
	if a.isStopping.Load() {
		state = "stopping"
	}

	writeJSON(w, busStatusResponse{
		Application:    a.applicationName,
		UniqueName:     a.UniqueName(),
		GUID:           a.GUID(),
		State:          state,
		ActiveSessions: a.sessions.count(),
		Metrics:        a.metrics.Snapshot(),
	})
}

// busObjectsResponse is the JSON structure for GET /bus/objects.
type busObjectsResponse struct {
	Objects []objectEntry `json:"objects"`
}

type objectEntry struct {
	Path       string   `json:"path"`
	Secure     bool     `json:"secure"`
	Interfaces []string `json:"interfaces"`
}

func (ds *debugServer) handleObjects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	entries := []objectEntry{}
	if ep := ds.bus.endpoint(); ep != nil {
		for _, path := range ep.objects.paths() {
			obj := ep.objects.get(path)
			if obj == nil {
				continue
			}
			e := objectEntry{Path: path, Secure: obj.IsSecure()}
			for _, iface := range obj.interfaces() {
				e.Interfaces = append(e.Interfaces, iface.Name)
			}
			entries = append(entries, e)
		}
	}
	writeJSON(w, busObjectsResponse{Objects: entries})
}

// busSessionsResponse is the JSON structure for GET /bus/sessions.
type busSessionsResponse struct {
	Sessions []sessionEntry `json:"sessions"`
}

type sessionEntry struct {
	ID         uint32 `json:"id"`
	Side       string `json:"side"`
	Port       uint16 `json:"port,omitempty"`
	Multipoint bool   `json:"multipoint"`
	OtherParty string `json:"other_party,omitempty"`
}

func (ds *debugServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions := ds.bus.sessions.snapshot()
	entries := make([]sessionEntry, len(sessions))
	for i, s := range sessions {
		entries[i] = sessionEntry{
			ID:         uint32(s.id),
			Side:       s.side.String(),
			Port:       uint16(s.port),
			Multipoint: s.multipoint,
			OtherParty: s.otherParty,
		}
	}
	writeJSON(w, busSessionsResponse{Sessions: entries})
}

// busPeersResponse is the JSON structure for GET /bus/peers.
type busPeersResponse struct {
	Peers []string `json:"peers"`
}

func (ds *debugServer) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	peers := []string{}
	if ds.bus.router != nil {
		peers = ds.bus.router.endpointNames()
	}
	writeJSON(w, busPeersResponse{Peers: peers})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("debug: json encode error", "error", err)
	}
}
