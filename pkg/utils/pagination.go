package utils

import (
	"math"
	"net/http"
	"strconv"
)

type Pagination struct {
	Limit  int
	Offset int
	Page   int
}

type PageMeta struct {
	TotalItems  int64 `json:"total_items"`
	TotalPages  int   `json:"total_pages"`
	CurrentPage int   `json:"current_page"`
	Limit       int   `json:"limit"`
}

func GetPagination(r *http.Request) Pagination {
	limit := 10
	if val, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && val > 0 {
		limit = val
	}
	if limit > 100 {
		limit = 100
	}

	page := 1
	if val, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && val > 0 {
		page = val
	}

	return Pagination{Limit: limit, Offset: (page - 1) * limit, Page: page}
}

func (p Pagination) Meta(total int64) PageMeta {
	return PageMeta{
		TotalItems:  total,
		TotalPages:  int(math.Ceil(float64(total) / float64(p.Limit))),
		CurrentPage: p.Page,
		Limit:       p.Limit,
	}
}
