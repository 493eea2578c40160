package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"recordkeeper/internal/util"
	"recordkeeper/pkg/auth"
	"recordkeeper/pkg/domain"
	"recordkeeper/pkg/metrics"
	"recordkeeper/pkg/queue"
	"recordkeeper/pkg/snapshot"
	"recordkeeper/pkg/store"
)

// Config holds the collaborators of the core application.
type Config struct {
	Store     store.Store
	Snapshots snapshot.Backend
	Notifier  queue.Dispatcher
	Metrics   *metrics.Recorder
}

// App is the core application service wiring together storage and domain logic.
type App struct {
	store     store.Store
	snapshots snapshot.Backend
	notifier  queue.Dispatcher
	metrics   *metrics.Recorder

	// department writes hold the read side; save holds the write side so a
	// snapshot never interleaves with a mutation.
	deptMu sync.RWMutex
}

// New constructs the application. Store and Notifier are required.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Notifier == nil {
		return nil, errors.New("notifier required")
	}
	return &App{
		store:     cfg.Store,
		snapshots: cfg.Snapshots,
		notifier:  cfg.Notifier,
		metrics:   cfg.Metrics,
	}, nil
}

func (a *App) recordWrite(entity string, err error) {
	if a.metrics != nil {
		a.metrics.StoreWrite(entity, err)
	}
}

// AddBook validates and appends a book, returning it with its assigned id.
func (a *App) AddBook(_ context.Context, b domain.Book) (domain.Book, error) {
	if strings.TrimSpace(b.Title) == "" || strings.TrimSpace(b.Author) == "" {
		return domain.Book{}, ErrInvalidBook
	}
	id, err := a.store.AddBook(b)
	a.recordWrite("book", err)
	if err != nil {
		return domain.Book{}, fmt.Errorf("add book: %w", err)
	}
	b.ID = id
	return b, nil
}

// AddReview appends a review for an existing book.
func (a *App) AddReview(_ context.Context, r domain.Review) (domain.Review, error) {
	id, err := a.store.AddReview(r)
	a.recordWrite("review", err)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Review{}, ErrBookNotFound
		}
		return domain.Review{}, fmt.Errorf("add review: %w", err)
	}
	r.ID = id
	return r, nil
}

func (a *App) ListBooks(_ context.Context, f store.BookFilter) ([]domain.Book, error) {
	return a.store.ListBooks(f)
}

func (a *App) ListReviews(_ context.Context, bookID int) ([]domain.Review, error) {
	return a.store.ListReviews(bookID)
}

// SubmitReview queues a confirmation email and returns without waiting for delivery.
func (a *App) SubmitReview(ctx context.Context, email, message string) (domain.Notification, error) {
	n, err := a.notifier.Submit(ctx, email, message)
	if a.metrics != nil {
		if err != nil {
			a.metrics.Notification("rejected")
		} else {
			a.metrics.Notification("submitted")
		}
	}
	if err != nil {
		return domain.Notification{}, err
	}
	logger := util.LoggerFromContext(ctx)
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		logger = logger.With("submitted_by", p.Subject)
	}
	logger.Info("review submitted", "notification_id", n.ID)
	return n, nil
}

func (a *App) AddDepartment(_ context.Context, deptID int, name string) (domain.Department, error) {
	a.deptMu.RLock()
	err := a.store.AddDepartment(deptID, name)
	a.deptMu.RUnlock()
	a.recordWrite("department", err)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.Department{}, ErrDeptConflict
		}
		return domain.Department{}, fmt.Errorf("add department: %w", err)
	}
	return domain.Department{DeptID: deptID, Name: name, Employees: []domain.Employee{}}, nil
}

func (a *App) AddEmployee(_ context.Context, deptID, empID int, name string) (domain.Employee, error) {
	a.deptMu.RLock()
	err := a.store.AddEmployee(deptID, empID, name)
	a.deptMu.RUnlock()
	a.recordWrite("employee", err)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Employee{}, ErrDeptNotFound
		}
		return domain.Employee{}, fmt.Errorf("add employee: %w", err)
	}
	return domain.Employee{EmpID: empID, Name: name, DepartmentID: deptID}, nil
}

func (a *App) ListEmployees(_ context.Context, deptID int) ([]domain.Employee, error) {
	emps, err := a.store.ListEmployees(deptID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrDeptNotFound
		}
		return nil, err
	}
	return emps, nil
}

func (a *App) ListDepartments(_ context.Context) ([]domain.Department, error) {
	return a.store.ListDepartments()
}

// SaveDepartments writes the department hierarchy to the snapshot backend
// and returns how many departments were saved. Books and reviews are not saved.
func (a *App) SaveDepartments(ctx context.Context) (int, error) {
	if a.snapshots == nil {
		return 0, errors.New("snapshot backend not configured")
	}
	a.deptMu.Lock()
	defer a.deptMu.Unlock()

	n, err := a.save(ctx)
	if a.metrics != nil {
		a.metrics.SnapshotSave(err)
	}
	return n, err
}

func (a *App) save(ctx context.Context) (int, error) {
	depts, err := a.store.ListDepartments()
	if err != nil {
		return 0, fmt.Errorf("list departments: %w", err)
	}
	data, err := snapshot.Encode(depts)
	if err != nil {
		return 0, err
	}
	if err := a.snapshots.Write(ctx, data); err != nil {
		return 0, fmt.Errorf("write snapshot: %w", err)
	}
	return len(depts), nil
}

// LoadDepartments replaces the department hierarchy with the saved snapshot.
// A missing snapshot leaves the store empty and only logs a warning.
func (a *App) LoadDepartments(ctx context.Context) (int, error) {
	if a.snapshots == nil {
		return 0, nil
	}
	a.deptMu.Lock()
	defer a.deptMu.Unlock()

	data, err := a.snapshots.Read(ctx)
	if err != nil {
		if errors.Is(err, snapshot.ErrNoSnapshot) {
			util.LoggerFromContext(ctx).Warn("data file not found, starting with empty data", "err", err)
			return 0, nil
		}
		return 0, fmt.Errorf("read snapshot: %w", err)
	}
	depts, err := snapshot.Decode(data)
	if err != nil {
		return 0, err
	}
	if err := a.store.ReplaceDepartments(depts); err != nil {
		return 0, fmt.Errorf("restore departments: %w", err)
	}
	return len(depts), nil
}
