package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver
	"recordkeeper/pkg/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS books (
	id INTEGER PRIMARY KEY,
	title TEXT NOT NULL,
	author TEXT NOT NULL,
	publication_year INTEGER
);
CREATE TABLE IF NOT EXISTS reviews (
	id INTEGER PRIMARY KEY,
	book_id INTEGER NOT NULL,
	review TEXT,
	rating INTEGER,
	FOREIGN KEY(book_id) REFERENCES books(id)
);
CREATE TABLE IF NOT EXISTS departments (
	dept_id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	position INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS employees (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	dept_id INTEGER NOT NULL,
	emp_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	FOREIGN KEY(dept_id) REFERENCES departments(dept_id)
);
CREATE INDEX IF NOT EXISTS idx_books_author ON books(author);
CREATE INDEX IF NOT EXISTS idx_reviews_book ON reviews(book_id);
CREATE INDEX IF NOT EXISTS idx_employees_dept ON employees(dept_id);
`

// SQLiteStore implements Store on a single SQLite file.
// Every query binds its values; nothing caller-supplied is spliced into SQL.
type SQLiteStore struct {
	db      *sql.DB
	timeout time.Duration
}

// NewSQLiteStore opens (or creates) the database at path and applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = "book_reviews.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite allows one writer; a single connection keeps id assignment serial.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db, timeout: 5 * time.Second}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) withTx(fn func(ctx context.Context, tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func countRows(ctx context.Context, tx *sql.Tx, query string, args ...any) (int64, error) {
	var n int64
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// AddBook inserts a book whose id is the current book count.
func (s *SQLiteStore) AddBook(b domain.Book) (int, error) {
	var id int
	err := s.withTx(func(ctx context.Context, tx *sql.Tx) error {
		n, err := countRows(ctx, tx, `SELECT COUNT(*) FROM books`)
		if err != nil {
			return fmt.Errorf("count books: %w", err)
		}
		id = int(n)
		_, err = tx.ExecContext(ctx,
			`INSERT INTO books (id, title, author, publication_year) VALUES (?, ?, ?, ?)`,
			id, b.Title, b.Author, b.PublicationYear)
		if err != nil {
			return fmt.Errorf("insert book: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AddReview inserts a review after the positional book id check.
func (s *SQLiteStore) AddReview(r domain.Review) (int, error) {
	var id int
	err := s.withTx(func(ctx context.Context, tx *sql.Tx) error {
		books, err := countRows(ctx, tx, `SELECT COUNT(*) FROM books`)
		if err != nil {
			return fmt.Errorf("count books: %w", err)
		}
		if !validBookID(r.BookID, books) {
			return fmt.Errorf("book %d: %w", r.BookID, ErrNotFound)
		}
		n, err := countRows(ctx, tx, `SELECT COUNT(*) FROM reviews`)
		if err != nil {
			return fmt.Errorf("count reviews: %w", err)
		}
		id = int(n)
		_, err = tx.ExecContext(ctx,
			`INSERT INTO reviews (id, book_id, review, rating) VALUES (?, ?, ?, ?)`,
			id, r.BookID, r.Text, r.Rating)
		if err != nil {
			return fmt.Errorf("insert review: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ListBooks returns books matching f ordered by id.
func (s *SQLiteStore) ListBooks(f BookFilter) ([]domain.Book, error) {
	query := `SELECT id, title, author, publication_year FROM books`
	var args []any
	switch f.kind() {
	case filterAuthor:
		query += ` WHERE author = ?`
		args = append(args, f.Author)
	case filterYear:
		query += ` WHERE publication_year = ?`
		args = append(args, f.PublicationYear)
	}
	query += ` ORDER BY id`
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select books: %w", err)
	}
	defer func() { _ = rows.Close() }()
	res := make([]domain.Book, 0)
	for rows.Next() {
		var b domain.Book
		var year sql.NullInt64
		if err := rows.Scan(&b.ID, &b.Title, &b.Author, &year); err != nil {
			return nil, fmt.Errorf("scan book: %w", err)
		}
		b.PublicationYear = int(year.Int64)
		res = append(res, b)
	}
	return res, rows.Err()
}

// ListReviews returns reviews for a book ordered by id.
func (s *SQLiteStore) ListReviews(bookID int) ([]domain.Review, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, book_id, review, rating FROM reviews WHERE book_id = ? ORDER BY id`, bookID)
	if err != nil {
		return nil, fmt.Errorf("select reviews: %w", err)
	}
	defer func() { _ = rows.Close() }()
	res := make([]domain.Review, 0)
	for rows.Next() {
		var r domain.Review
		var text sql.NullString
		var rating sql.NullInt64
		if err := rows.Scan(&r.ID, &r.BookID, &text, &rating); err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		r.Text = text.String
		r.Rating = int(rating.Int64)
		res = append(res, r)
	}
	return res, rows.Err()
}

// AddDepartment creates an empty department.
func (s *SQLiteStore) AddDepartment(deptID int, name string) error {
	return s.withTx(func(ctx context.Context, tx *sql.Tx) error {
		existing, err := countRows(ctx, tx, `SELECT COUNT(*) FROM departments WHERE dept_id = ?`, deptID)
		if err != nil {
			return fmt.Errorf("check department: %w", err)
		}
		if existing > 0 {
			return fmt.Errorf("department %d: %w", deptID, ErrConflict)
		}
		position, err := countRows(ctx, tx, `SELECT COUNT(*) FROM departments`)
		if err != nil {
			return fmt.Errorf("count departments: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO departments (dept_id, name, position) VALUES (?, ?, ?)`,
			deptID, name, position); err != nil {
			return fmt.Errorf("insert department: %w", err)
		}
		return nil
	})
}

// AddEmployee appends an employee to an existing department.
func (s *SQLiteStore) AddEmployee(deptID, empID int, name string) error {
	return s.withTx(func(ctx context.Context, tx *sql.Tx) error {
		if err := sqliteDepartmentExists(ctx, tx, deptID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO employees (dept_id, emp_id, name) VALUES (?, ?, ?)`,
			deptID, empID, name); err != nil {
			return fmt.Errorf("insert employee: %w", err)
		}
		return nil
	})
}

// ListEmployees returns a department's employees in insertion order.
func (s *SQLiteStore) ListEmployees(deptID int) ([]domain.Employee, error) {
	var res []domain.Employee
	err := s.withTx(func(ctx context.Context, tx *sql.Tx) error {
		if err := sqliteDepartmentExists(ctx, tx, deptID); err != nil {
			return err
		}
		emps, err := sqliteEmployees(ctx, tx, `WHERE dept_id = ?`, deptID)
		if err != nil {
			return err
		}
		res = emps
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ListDepartments returns all departments with their employees.
func (s *SQLiteStore) ListDepartments() ([]domain.Department, error) {
	var res []domain.Department
	err := s.withTx(func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT dept_id, name FROM departments ORDER BY position`)
		if err != nil {
			return fmt.Errorf("select departments: %w", err)
		}
		depts := make([]domain.Department, 0)
		for rows.Next() {
			d := domain.Department{Employees: []domain.Employee{}}
			if err := rows.Scan(&d.DeptID, &d.Name); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan department: %w", err)
			}
			depts = append(depts, d)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return err
		}
		_ = rows.Close()
		emps, err := sqliteEmployees(ctx, tx, "")
		if err != nil {
			return err
		}
		index := make(map[int]int, len(depts))
		for i, d := range depts {
			index[d.DeptID] = i
		}
		for _, e := range emps {
			if i, ok := index[e.DepartmentID]; ok {
				depts[i].Employees = append(depts[i].Employees, e)
			}
		}
		res = depts
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ReplaceDepartments swaps the whole department hierarchy in one transaction.
func (s *SQLiteStore) ReplaceDepartments(depts []domain.Department) error {
	if err := uniqueDepartments(depts); err != nil {
		return err
	}
	return s.withTx(func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM employees`); err != nil {
			return fmt.Errorf("clear employees: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM departments`); err != nil {
			return fmt.Errorf("clear departments: %w", err)
		}
		for i, d := range depts {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO departments (dept_id, name, position) VALUES (?, ?, ?)`,
				d.DeptID, d.Name, i); err != nil {
				return fmt.Errorf("insert department: %w", err)
			}
			for _, e := range d.Employees {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO employees (dept_id, emp_id, name) VALUES (?, ?, ?)`,
					d.DeptID, e.EmpID, e.Name); err != nil {
					return fmt.Errorf("insert employee: %w", err)
				}
			}
		}
		return nil
	})
}

func sqliteDepartmentExists(ctx context.Context, tx *sql.Tx, deptID int) error {
	n, err := countRows(ctx, tx, `SELECT COUNT(*) FROM departments WHERE dept_id = ?`, deptID)
	if err != nil {
		return fmt.Errorf("check department: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("department %d: %w", deptID, ErrNotFound)
	}
	return nil
}

// sqliteEmployees reads employees in seq order; where is a constant clause.
func sqliteEmployees(ctx context.Context, tx *sql.Tx, where string, args ...any) ([]domain.Employee, error) {
	rows, err := tx.QueryContext(ctx, `SELECT dept_id, emp_id, name FROM employees `+where+` ORDER BY seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("select employees: %w", err)
	}
	defer func() { _ = rows.Close() }()
	res := make([]domain.Employee, 0)
	for rows.Next() {
		var e domain.Employee
		if err := rows.Scan(&e.DepartmentID, &e.EmpID, &e.Name); err != nil {
			return nil, fmt.Errorf("scan employee: %w", err)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
