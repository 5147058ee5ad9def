package runtime

import (
	"net/http"
	"slices"
	"strings"

	jsoncodec "github.com/drblury/eventcore/internal/runtime/jsoncodec"
)

// ConsumerStatsPath is where the service serves consumer statistics next to
// /metrics when a metrics port is configured.
const ConsumerStatsPath = "/eventcore/consumers"

// ConsumerStats returns a snapshot of every consumer created through the
// service, sorted by name.
func (s *Service) ConsumerStats() []ConsumerStatsSnapshot {
	s.mu.Lock()
	out := make([]ConsumerStatsSnapshot, 0, len(s.consumers))
	for _, c := range s.consumers {
		out = append(out, c.Stats().Snapshot())
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b ConsumerStatsSnapshot) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

func (s *Service) handleConsumerStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := jsoncodec.Marshal(s.ConsumerStats())
	if err != nil {
		s.Logger.Error("Failed to encode consumer stats", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}
