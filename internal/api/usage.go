package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/botodachi/internal/usage"
)

// maxUsageDays bounds the ?days= window of the usage report.
const maxUsageDays = 366

// SetUsage attaches the usage ledger behind GET /v1/usage.
func (s *Server) SetUsage(u *usage.Store) {
	s.usage = u
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage ledger not configured")
		return
	}

	days := 1
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxUsageDays {
			s.errorResponse(w, http.StatusBadRequest, "days must be an integer between 1 and "+strconv.Itoa(maxUsageDays))
			return
		}
		days = n
	}

	report, err := s.usage.Report(r.Context(), usage.LastDays(time.Now(), days))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, report, s.logger)
}
