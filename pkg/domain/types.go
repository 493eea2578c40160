package domain

import "time"

type NotificationStatus string

const (
	NotificationQueued     NotificationStatus = "queued"
	NotificationDelivering NotificationStatus = "delivering"
	NotificationDelivered  NotificationStatus = "delivered"
	NotificationFailed     NotificationStatus = "failed"
)

// Book ids are dense and positional: the n-th book created gets id n-1.
type Book struct {
	ID              int    `json:"id"`
	Title           string `json:"title"`
	Author          string `json:"author"`
	PublicationYear int    `json:"publication_year"`
}

type Review struct {
	ID     int    `json:"id"`
	BookID int    `json:"book_id"`
	Text   string `json:"text"`
	Rating int    `json:"rating"`
}

type Department struct {
	DeptID    int        `json:"dept_id"`
	Name      string     `json:"name"`
	Employees []Employee `json:"employees"`
}

// Employee.DepartmentID is implied by containment and is not persisted.
type Employee struct {
	EmpID        int    `json:"emp_id"`
	Name         string `json:"name"`
	DepartmentID int    `json:"department"`
}

type Notification struct {
	ID          string             `json:"id"`
	Recipient   string             `json:"recipient"`
	Message     string             `json:"message"`
	Status      NotificationStatus `json:"status"`
	SubmittedAt time.Time          `json:"submittedAt"`
}

// CloneDepartment returns a copy that shares no employee storage with d.
func CloneDepartment(d Department) Department {
	out := Department{DeptID: d.DeptID, Name: d.Name, Employees: make([]Employee, len(d.Employees))}
	copy(out.Employees, d.Employees)
	return out
}
