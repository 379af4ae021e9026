package fabric

import (
	"context"
	"encoding/json"
	"expvar"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"sort"
	"time"
)

// AdminServer exposes operational endpoints for a Node over HTTP.
// All responses are JSON. Intended for admin/internal networks only.
type AdminServer struct {
	node     *Node
	server   *http.Server
	listener net.Listener
}

// NewAdminServer creates an AdminServer bound to the given address.
// The server is not started until Start() is called.
func NewAdminServer(node *Node, addr string) (*AdminServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	as := &AdminServer{
		node:     node,
		listener: ln,
		server: &http.Server{
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
	}

	mux.HandleFunc("/node/status", as.handleStatus)
	mux.HandleFunc("/node/peers", as.handlePeers)
	mux.HandleFunc("/node/subscriptions", as.handleSubscriptions)
	mux.HandleFunc("/debug/vars", expvar.Handler().ServeHTTP)
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return as, nil
}

// Addr returns the listener's address (useful when binding to ":0").
func (as *AdminServer) Addr() string {
	return as.listener.Addr().String()
}

// Start begins serving HTTP requests. Non-blocking.
func (as *AdminServer) Start() {
	go func() {
		if err := as.server.Serve(as.listener); err != nil && err != http.ErrServerClosed {
			slog.Error("admin server error", "error", err)
		}
	}()
	slog.Info("admin server started", "addr", as.Addr())
}

// Stop gracefully shuts down the admin server.
func (as *AdminServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	as.server.Shutdown(ctx)
}

// --- handlers ---

// nodeStatusResponse is the JSON structure for GET /node/status.
type nodeStatusResponse struct {
	NodeID        string           `json:"node_id"`
	Address       string           `json:"address"`
	State         string           `json:"state"` // "running" or "draining"
	Peers         int              `json:"peers"`
	PendingCalls  int              `json:"pending_calls"`
	Methods       []string         `json:"methods"`
	Subscriptions []string         `json:"subscriptions"`
	Metrics       map[string]int64 `json:"metrics"`
}

func (as *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	n := as.node

	state := "running"
	if n.draining.Load() {
		state = "draining"
	}

	methods := n.Methods()
	sort.Strings(methods)
	topics := n.subs.localTopics()
	sort.Strings(topics)

	writeJSON(w, nodeStatusResponse{
		NodeID:        n.id,
		Address:       n.Addr(),
		State:         state,
		Peers:         n.connectedPeerCount(),
		PendingCalls:  n.calls.pending(),
		Methods:       methods,
		Subscriptions: topics,
		Metrics:       n.metrics.Snapshot(),
	})
}

// nodePeersResponse is the JSON structure for GET /node/peers.
type nodePeersResponse struct {
	Peers []PeerInfo `json:"peers"`
}

func (as *AdminServer) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	peers := as.node.Peers()
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	writeJSON(w, nodePeersResponse{Peers: peers})
}

// subscriptionEntry is a single topic in the GET /node/subscriptions response.
type subscriptionEntry struct {
	Topic   string   `json:"topic"`
	Local   bool     `json:"local"`
	PeerIDs []string `json:"peer_ids,omitempty"`
}

// nodeSubscriptionsResponse is the JSON structure for GET /node/subscriptions.
type nodeSubscriptionsResponse struct {
	Subscriptions []subscriptionEntry `json:"subscriptions"`
}

func (as *AdminServer) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	n := as.node

	byTopic := make(map[string]*subscriptionEntry)
	for _, topic := range n.subs.localTopics() {
		byTopic[topic] = &subscriptionEntry{Topic: topic, Local: true}
	}
	for _, topic := range n.subs.remoteTopics() {
		e, ok := byTopic[topic]
		if !ok {
			e = &subscriptionEntry{Topic: topic}
			byTopic[topic] = e
		}
		e.PeerIDs = n.subs.peersFor(topic)
		sort.Strings(e.PeerIDs)
	}

	entries := make([]subscriptionEntry, 0, len(byTopic))
	for _, e := range byTopic {
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Topic < entries[j].Topic })

	writeJSON(w, nodeSubscriptionsResponse{Subscriptions: entries})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("admin: json encode error", "error", err)
	}
}
