package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/devblac/event-tracker/internal/tracker"
)

type Checker struct {
	DBPing   func(ctx context.Context) error
	RPCPing  func(ctx context.Context) error
	Trackers func() []tracker.Status
}

type trackerStatus struct {
	Running     bool   `json:"running"`
	NextBlock   uint64 `json:"next_block"`
	Pending     int    `json:"pending"`
	ResumeBlock uint64 `json:"resume_block"`
	Head        uint64 `json:"head"`
}

type response struct {
	Status   string                   `json:"status"`
	DB       string                   `json:"db,omitempty"`
	RPC      string                   `json:"rpc,omitempty"`
	Trackers map[string]trackerStatus `json:"trackers,omitempty"`
}

// Handler serves /healthz. Any failed ping or stopped tracker yields 503.
func Handler(checker Checker) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		resp := response{Status: "ok"}
		code := http.StatusOK

		if checker.DBPing != nil {
			if err := checker.DBPing(ctx); err != nil {
				resp.DB = "fail"
				code = http.StatusServiceUnavailable
			} else {
				resp.DB = "ok"
			}
		}
		if checker.RPCPing != nil {
			if err := checker.RPCPing(ctx); err != nil {
				resp.RPC = "fail"
				code = http.StatusServiceUnavailable
			} else {
				resp.RPC = "ok"
			}
		}
		if checker.Trackers != nil {
			resp.Trackers = map[string]trackerStatus{}
			for _, st := range checker.Trackers() {
				resp.Trackers[st.ID] = trackerStatus{
					Running:     st.Running,
					NextBlock:   st.NextBlock,
					Pending:     st.Pending,
					ResumeBlock: st.ResumeBlock,
					Head:        st.Head,
				}
				if !st.Running {
					code = http.StatusServiceUnavailable
				}
			}
		}
		if code != http.StatusOK {
			resp.Status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}

// Serve starts the /healthz handler in the background.
func Serve(addr string, checker Checker) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(checker),
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

// Shutdown gracefully shuts down the health server.
func Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
