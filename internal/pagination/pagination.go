// Package pagination extracts page, limit, and sort parameters from
// listing-endpoint query strings.
package pagination

import (
	"math"
	"net/url"
	"strconv"
)

type Params struct {
	Page   int32
	Limit  int32
	Offset int32
	Sort   string
}

const (
	// MaxLimit caps the items returned per page regardless of the request.
	MaxLimit int32 = 100

	DefaultPage  int32 = 1
	DefaultLimit int32 = 10
	DefaultSort        = "newest"
)

// calculateOffset saturates at MaxInt32 so absurd page numbers cannot
// overflow into a negative offset.
func calculateOffset(page, limit int32) int32 {
	if page < 1 {
		page = 1
	}
	offset := int64(page-1) * int64(limit)
	if offset > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(offset)
}

// Valid sort orders. "newest" and "desc" are synonyms, as are "oldest"
// and "asc".
func isValidSort(sort string) bool {
	switch sort {
	case "newest", "oldest", "asc", "desc":
		return true
	}
	return false
}

type Option func(*Params)

// WithDefaultLimit overrides DefaultLimit for endpoints whose natural
// page size differs.
func WithDefaultLimit(limit int32) Option {
	return func(p *Params) {
		if limit > 0 {
			p.Limit = limit
		}
	}
}

func WithDefaultSort(sort string) Option {
	if !isValidSort(sort) {
		return func(p *Params) {}
	}
	return func(p *Params) {
		p.Sort = sort
	}
}

// GetPaginationParams reads page, limit, and sort from q. Invalid or
// missing values fall back to the defaults, and limit is clamped to
// MaxLimit.
func GetPaginationParams(q url.Values, opts ...Option) *Params {
	params := &Params{
		Page:  DefaultPage,
		Limit: DefaultLimit,
		Sort:  DefaultSort,
	}
	for _, opt := range opts {
		opt(params)
	}

	if pageStr := q.Get("page"); pageStr != "" {
		if val, err := strconv.ParseInt(pageStr, 10, 32); err == nil && val > 0 {
			params.Page = int32(val)
		}
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		if val, err := strconv.ParseInt(limitStr, 10, 32); err == nil && val > 0 {
			params.Limit = int32(val)
		}
	}
	if params.Limit > MaxLimit {
		params.Limit = MaxLimit
	}
	params.Offset = calculateOffset(params.Page, params.Limit)

	if sortStr := q.Get("sort"); sortStr != "" && isValidSort(sortStr) {
		params.Sort = sortStr
	}
	return params
}

// GetHasNext reports whether items remain beyond the current page.
func GetHasNext(offset, limit, count int32) bool {
	return int64(offset)+int64(limit) < int64(count)
}
