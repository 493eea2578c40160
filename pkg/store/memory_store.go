package store

import (
	"fmt"
	"sync"

	"recordkeeper/pkg/domain"
)

// MemoryStore keeps both hierarchies in-process.
type MemoryStore struct {
	mu      sync.RWMutex
	books   []domain.Book
	reviews []domain.Review
	depts   map[int]*domain.Department
	orders  []int // department ids in creation order
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		depts: make(map[int]*domain.Department),
	}
}

// AddBook appends a book and returns its positional id.
func (m *MemoryStore) AddBook(b domain.Book) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.ID = len(m.books)
	m.books = append(m.books, b)
	return b.ID, nil
}

// AddReview appends a review when its book id is within range.
func (m *MemoryStore) AddReview(r domain.Review) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !validBookID(r.BookID, int64(len(m.books))) {
		return 0, fmt.Errorf("book %d: %w", r.BookID, ErrNotFound)
	}
	r.ID = len(m.reviews)
	m.reviews = append(m.reviews, r)
	return r.ID, nil
}

// ListBooks returns books matching f in insertion order.
func (m *MemoryStore) ListBooks(f BookFilter) ([]domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return FilterBooks(m.books, f), nil
}

// ListReviews returns reviews for a book in insertion order.
func (m *MemoryStore) ListReviews(bookID int) ([]domain.Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Review, 0)
	for _, r := range m.reviews {
		if r.BookID == bookID {
			res = append(res, r)
		}
	}
	return res, nil
}

// AddDepartment creates an empty department.
func (m *MemoryStore) AddDepartment(deptID int, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.depts[deptID]; exists {
		return fmt.Errorf("department %d: %w", deptID, ErrConflict)
	}
	m.depts[deptID] = &domain.Department{DeptID: deptID, Name: name, Employees: []domain.Employee{}}
	m.orders = append(m.orders, deptID)
	return nil
}

// AddEmployee appends an employee to an existing department.
func (m *MemoryStore) AddEmployee(deptID, empID int, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dept, ok := m.depts[deptID]
	if !ok {
		return fmt.Errorf("department %d: %w", deptID, ErrNotFound)
	}
	dept.Employees = append(dept.Employees, domain.Employee{EmpID: empID, Name: name, DepartmentID: deptID})
	return nil
}

// ListEmployees returns a department's employees in insertion order.
func (m *MemoryStore) ListEmployees(deptID int) ([]domain.Employee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dept, ok := m.depts[deptID]
	if !ok {
		return nil, fmt.Errorf("department %d: %w", deptID, ErrNotFound)
	}
	return domain.CloneDepartment(*dept).Employees, nil
}

// ListDepartments returns deep copies of all departments in creation order.
func (m *MemoryStore) ListDepartments() ([]domain.Department, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Department, 0, len(m.orders))
	for _, id := range m.orders {
		if d, ok := m.depts[id]; ok {
			res = append(res, domain.CloneDepartment(*d))
		}
	}
	return res, nil
}

// ReplaceDepartments swaps the whole department hierarchy for depts.
func (m *MemoryStore) ReplaceDepartments(depts []domain.Department) error {
	next := make(map[int]*domain.Department, len(depts))
	orders := make([]int, 0, len(depts))
	for _, d := range depts {
		if _, dup := next[d.DeptID]; dup {
			return fmt.Errorf("department %d: %w", d.DeptID, ErrConflict)
		}
		clone := domain.CloneDepartment(d)
		for i := range clone.Employees {
			clone.Employees[i].DepartmentID = d.DeptID
		}
		next[d.DeptID] = &clone
		orders = append(orders, d.DeptID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.depts = next
	m.orders = orders
	return nil
}
