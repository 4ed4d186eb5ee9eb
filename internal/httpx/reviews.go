package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
)

const (
	defaultReviewLimit = 50
	maxReviewLimit     = 500
)

// ReviewLister reads the oversold review queue, newest first.
type ReviewLister interface {
	List(ctx context.Context, n int64) ([]string, error)
}

func (h *OrdersHandler) listOversoldReviews(w http.ResponseWriter, r *http.Request) {
	limit := int64(defaultReviewLimit)
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 1 || n > maxReviewLimit {
			badRequest(w, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	entries, err := h.Reviews.List(r.Context(), limit)
	if err != nil {
		writeError(w, r, err, "")
		return
	}
	out := make([]json.RawMessage, 0, len(entries))
	for _, e := range entries {
		if json.Valid([]byte(e)) {
			out = append(out, json.RawMessage(e))
		}
	}
	writeJSON(w, http.StatusOK, out)
}
