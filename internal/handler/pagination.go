package handler

import (
	"net/http"
	"strconv"

	"github.com/crmdesk/call-signaling/internal/model"
)

const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// Page is a window into a user's call history. Out-of-range query values
// fall back to the defaults instead of failing the request.
type Page struct {
	Limit  int
	Offset int
}

func ParsePage(r *http.Request) Page {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	if limit <= 0 || limit > MaxLimit {
		limit = DefaultLimit
	}
	return Page{Limit: limit, Offset: max(offset, 0)}
}

type HistoryPage struct {
	Items  []model.CallHistoryRecord `json:"items"`
	Total  int                       `json:"total"`
	Limit  int                       `json:"limit"`
	Offset int                       `json:"offset"`
}

func (p Page) Of(items []model.CallHistoryRecord, total int) HistoryPage {
	if items == nil {
		items = []model.CallHistoryRecord{}
	}
	return HistoryPage{Items: items, Total: total, Limit: p.Limit, Offset: p.Offset}
}
