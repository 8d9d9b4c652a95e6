package models

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Page is one slice of a larger ordered result.
type Page[T any] struct {
	Items []T `json:"items"`
	Page  int `json:"page"`
	Size  int `json:"size"`
	Total int `json:"total"`
}

// NormalizePaging clamps page and size to usable values. Pages are 1-based.
func NormalizePaging(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return page, size
}

// Offset returns the zero-based row offset of a normalized page.
func Offset(page, size int) int {
	return (page - 1) * size
}
