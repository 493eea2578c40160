package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"recordkeeper/pkg/domain"
)

const migrateLockID int64 = 73217322

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&BookModel{}, &ReviewModel{}, &DepartmentModel{}, &EmployeeModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// AddBook inserts a book whose id is the current book count.
func (s *GormStore) AddBook(b domain.Book) (int, error) {
	var id int
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := lockTable(tx, "book_models"); err != nil {
			return err
		}
		var count int64
		if err := tx.Model(&BookModel{}).Count(&count).Error; err != nil {
			return err
		}
		id = int(count)
		model := BookModel{
			ID:              id,
			Title:           b.Title,
			Author:          b.Author,
			PublicationYear: b.PublicationYear,
			CreatedAt:       time.Now().UTC(),
		}
		return tx.Create(&model).Error
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AddReview inserts a review after the positional book id check.
func (s *GormStore) AddReview(r domain.Review) (int, error) {
	var id int
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var books int64
		if err := tx.Model(&BookModel{}).Count(&books).Error; err != nil {
			return err
		}
		if !validBookID(r.BookID, books) {
			return fmt.Errorf("book %d: %w", r.BookID, ErrNotFound)
		}
		if err := lockTable(tx, "review_models"); err != nil {
			return err
		}
		var reviews int64
		if err := tx.Model(&ReviewModel{}).Count(&reviews).Error; err != nil {
			return err
		}
		id = int(reviews)
		model := ReviewModel{
			ID:        id,
			BookID:    r.BookID,
			Text:      r.Text,
			Rating:    r.Rating,
			CreatedAt: time.Now().UTC(),
		}
		return tx.Create(&model).Error
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ListBooks returns books matching f ordered by id.
func (s *GormStore) ListBooks(f BookFilter) ([]domain.Book, error) {
	var models []BookModel
	if err := bookQuery(s.db, f).Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Book, 0, len(models))
	for _, m := range models {
		res = append(res, bookFromModel(m))
	}
	return res, nil
}

// ListReviews returns reviews for a book ordered by id.
func (s *GormStore) ListReviews(bookID int) ([]domain.Review, error) {
	var models []ReviewModel
	if err := s.db.Where("book_id = ?", bookID).Order("id asc").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Review, 0, len(models))
	for _, m := range models {
		res = append(res, reviewFromModel(m))
	}
	return res, nil
}

// AddDepartment creates an empty department.
func (s *GormStore) AddDepartment(deptID int, name string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := lockTable(tx, "department_models"); err != nil {
			return err
		}
		var existing int64
		if err := tx.Model(&DepartmentModel{}).Where("dept_id = ?", deptID).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return fmt.Errorf("department %d: %w", deptID, ErrConflict)
		}
		var position int64
		if err := tx.Model(&DepartmentModel{}).Count(&position).Error; err != nil {
			return err
		}
		return tx.Create(&DepartmentModel{DeptID: deptID, Name: name, Position: int(position)}).Error
	})
}

// AddEmployee appends an employee to an existing department.
func (s *GormStore) AddEmployee(deptID, empID int, name string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := departmentExists(tx, deptID); err != nil {
			return err
		}
		return tx.Create(&EmployeeModel{DeptID: deptID, EmpID: empID, Name: name}).Error
	})
}

// ListEmployees returns a department's employees in insertion order.
func (s *GormStore) ListEmployees(deptID int) ([]domain.Employee, error) {
	if err := departmentExists(s.db, deptID); err != nil {
		return nil, err
	}
	var models []EmployeeModel
	if err := s.db.Where("dept_id = ?", deptID).Order("seq asc").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Employee, 0, len(models))
	for _, m := range models {
		res = append(res, employeeFromModel(m))
	}
	return res, nil
}

// ListDepartments returns all departments with their employees.
func (s *GormStore) ListDepartments() ([]domain.Department, error) {
	var res []domain.Department
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var depts []DepartmentModel
		if err := tx.Order("position asc").Find(&depts).Error; err != nil {
			return err
		}
		var emps []EmployeeModel
		if err := tx.Order("seq asc").Find(&emps).Error; err != nil {
			return err
		}
		byDept := make(map[int][]domain.Employee, len(depts))
		for _, e := range emps {
			byDept[e.DeptID] = append(byDept[e.DeptID], employeeFromModel(e))
		}
		res = make([]domain.Department, 0, len(depts))
		for _, d := range depts {
			employees := byDept[d.DeptID]
			if employees == nil {
				employees = []domain.Employee{}
			}
			res = append(res, domain.Department{DeptID: d.DeptID, Name: d.Name, Employees: employees})
		}
		return nil
	}, &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ReplaceDepartments swaps the whole department hierarchy in one transaction.
func (s *GormStore) ReplaceDepartments(depts []domain.Department) error {
	if err := uniqueDepartments(depts); err != nil {
		return err
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&EmployeeModel{}).Error; err != nil {
			return err
		}
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&DepartmentModel{}).Error; err != nil {
			return err
		}
		for i, d := range depts {
			if err := tx.Create(&DepartmentModel{DeptID: d.DeptID, Name: d.Name, Position: i}).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return fmt.Errorf("department %d: %w", d.DeptID, ErrConflict)
				}
				return err
			}
			for _, e := range d.Employees {
				if err := tx.Create(&EmployeeModel{DeptID: d.DeptID, EmpID: e.EmpID, Name: e.Name}).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// bookQuery applies at most one filter; author wins over year.
func bookQuery(db *gorm.DB, f BookFilter) *gorm.DB {
	q := db.Model(&BookModel{})
	switch f.kind() {
	case filterAuthor:
		q = q.Where("author = ?", f.Author)
	case filterYear:
		q = q.Where("publication_year = ?", f.PublicationYear)
	}
	return q.Order("id asc")
}

// lockTable serializes id assignment for positional ids. Table names are
// constants from this file, never caller input.
func lockTable(tx *gorm.DB, table string) error {
	return tx.Exec("LOCK TABLE " + table + " IN SHARE ROW EXCLUSIVE MODE").Error
}

func departmentExists(db *gorm.DB, deptID int) error {
	var count int64
	if err := db.Model(&DepartmentModel{}).Where("dept_id = ?", deptID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("department %d: %w", deptID, ErrNotFound)
	}
	return nil
}

func bookFromModel(m BookModel) domain.Book {
	return domain.Book{ID: m.ID, Title: m.Title, Author: m.Author, PublicationYear: m.PublicationYear}
}

func reviewFromModel(m ReviewModel) domain.Review {
	return domain.Review{ID: m.ID, BookID: m.BookID, Text: m.Text, Rating: m.Rating}
}

func employeeFromModel(m EmployeeModel) domain.Employee {
	return domain.Employee{EmpID: m.EmpID, Name: m.Name, DepartmentID: m.DeptID}
}
