package store

import "recordkeeper/pkg/domain"

// BookFilter selects books by a single attribute.
// Author wins over PublicationYear; a zero year means "not supplied".
type BookFilter struct {
	Author          string
	PublicationYear int
}

type filterKind int

const (
	filterNone filterKind = iota
	filterAuthor
	filterYear
)

func (f BookFilter) kind() filterKind {
	switch {
	case f.Author != "":
		return filterAuthor
	case f.PublicationYear != 0:
		return filterYear
	default:
		return filterNone
	}
}

// FilterBooks returns the books matching f in their original order.
func FilterBooks(books []domain.Book, f BookFilter) []domain.Book {
	res := make([]domain.Book, 0, len(books))
	switch f.kind() {
	case filterAuthor:
		for _, b := range books {
			if b.Author == f.Author {
				res = append(res, b)
			}
		}
	case filterYear:
		for _, b := range books {
			if b.PublicationYear == f.PublicationYear {
				res = append(res, b)
			}
		}
	default:
		res = append(res, books...)
	}
	return res
}
