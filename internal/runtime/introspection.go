package runtime

import (
	"cmp"
	"net/http"
	"slices"

	configpkg "github.com/drblury/sagaflow/internal/runtime/config"
	loggingpkg "github.com/drblury/sagaflow/internal/runtime/logging"
	metricspkg "github.com/drblury/sagaflow/internal/runtime/metrics"
	"github.com/drblury/sagaflow/internal/runtime/registry"
	"github.com/drblury/sagaflow/internal/runtime/serializer"
	"github.com/drblury/sagaflow/transport"
)

// Introspection is the payload of the introspection endpoint.
type Introspection struct {
	System      configpkg.SystemInfo   `json:"system"`
	Sagas       []registry.Descriptor  `json:"sagas"`
	Transport   transport.Capabilities `json:"transport"`
	Queues      []string               `json:"queues"`
	QueueStats  []QueueStatsSnapshot   `json:"queue_stats"`
	Middlewares []string               `json:"middlewares"`
	Totals      metricspkg.Snapshot    `json:"totals"`
}

// Introspect returns the registered sagas, the consumed queues and the
// counters collected so far.
func (s *Service) Introspect() Introspection {
	out := Introspection{
		System:    s.Info(),
		Sagas:     s.Registry().Descriptors(),
		Transport: s.transportCaps,
		Queues:    s.Queues(),
		Totals:    s.metrics.Snapshot(),
	}

	s.statsMu.Lock()
	for _, st := range s.stats {
		out.QueueStats = append(out.QueueStats, st.Snapshot())
	}
	s.statsMu.Unlock()
	slices.SortFunc(out.QueueStats, func(a, b QueueStatsSnapshot) int {
		return cmp.Compare(a.Queue, b.Queue)
	})

	s.chainMu.Lock()
	out.Middlewares = slices.Clone(s.middlewareNames)
	s.chainMu.Unlock()
	return out
}

func (s *Service) registerIntrospection(port int) {
	s.RegisterHTTPHandler(port, "/api/sagaflow", http.HandlerFunc(s.handleIntrospection))
	s.RegisterHTTPHandler(port, "/api/sagas", http.HandlerFunc(s.handleSagas))
}

func (s *Service) handleIntrospection(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, s.Introspect())
}

func (s *Service) handleSagas(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, s.Registry().Descriptors())
}

func (s *Service) writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := serializer.Encode(w, v); err != nil {
		s.Logger.Error("Failed to encode introspection payload", err, loggingpkg.LogFields{"path": r.URL.Path})
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
