package tgui

import "fmt"

// Page is one 0-based page of a list.
type Page[T any] struct {
	Items   []T
	Index   int
	Pages   int
	From    int
	To      int
	Total   int
	HasPrev bool
	HasNext bool
}

// Paginate clamps page into range and returns that slice of items.
func Paginate[T any](items []T, page, size int) Page[T] {
	if size <= 0 {
		size = 10
	}
	total := len(items)
	pages := max((total+size-1)/size, 1)
	page = min(max(page, 0), pages-1)
	from := min(page*size, total)
	to := min(from+size, total)
	return Page[T]{
		Items:   items[from:to],
		Index:   page,
		Pages:   pages,
		From:    from,
		To:      to,
		Total:   total,
		HasPrev: page > 0,
		HasNext: to < total,
	}
}

// Label renders "Page 2/5 • 11–20 of 47".
func (p Page[T]) Label() string {
	if p.Total == 0 {
		return "Page 1/1"
	}
	return fmt.Sprintf("Page %d/%d • %d–%d of %d", p.Index+1, p.Pages, p.From+1, p.To, p.Total)
}
