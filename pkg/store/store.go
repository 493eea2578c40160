package store

import (
	"errors"
	"fmt"

	"recordkeeper/pkg/domain"
)

var (
	// ErrNotFound is returned when a referenced parent (book or department) does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a caller-supplied identity is already taken.
	ErrConflict = errors.New("conflict")
)

// Store defines persistence operations for both record hierarchies.
// Failed writes never mutate any collection.
type Store interface {
	// books
	AddBook(domain.Book) (int, error)
	AddReview(domain.Review) (int, error)
	ListBooks(BookFilter) ([]domain.Book, error)
	ListReviews(bookID int) ([]domain.Review, error)

	// departments
	AddDepartment(deptID int, name string) error
	AddEmployee(deptID, empID int, name string) error
	ListEmployees(deptID int) ([]domain.Employee, error)
	ListDepartments() ([]domain.Department, error)
	ReplaceDepartments([]domain.Department) error
}

// validBookID reports whether id addresses one of count books.
// Book ids are positional, so this is a bound check rather than a lookup.
func validBookID(id int, count int64) bool {
	return id >= 0 && int64(id) < count
}

// uniqueDepartments rejects a hierarchy that repeats a department id.
func uniqueDepartments(depts []domain.Department) error {
	seen := make(map[int]struct{}, len(depts))
	for _, d := range depts {
		if _, dup := seen[d.DeptID]; dup {
			return fmt.Errorf("department %d: %w", d.DeptID, ErrConflict)
		}
		seen[d.DeptID] = struct{}{}
	}
	return nil
}
