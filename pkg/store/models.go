package store

import "time"

// GORM models used for persistence.
type BookModel struct {
	ID              int       `gorm:"primaryKey;autoIncrement:false"`
	Title           string    `gorm:"not null"`
	Author          string    `gorm:"not null;index"`
	PublicationYear int       `gorm:"index"`
	CreatedAt       time.Time `gorm:"not null"`
}

type ReviewModel struct {
	ID        int       `gorm:"primaryKey;autoIncrement:false"`
	BookID    int       `gorm:"not null;index"`
	Text      string    `gorm:"type:text"`
	Rating    int       `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

type DepartmentModel struct {
	DeptID   int    `gorm:"primaryKey;autoIncrement:false"`
	Name     string `gorm:"not null"`
	Position int    `gorm:"not null;index"`
}

// EmployeeModel rows keep their department order through Seq.
type EmployeeModel struct {
	Seq    int64  `gorm:"primaryKey;autoIncrement"`
	DeptID int    `gorm:"not null;index"`
	EmpID  int    `gorm:"not null"`
	Name   string `gorm:"not null"`
}
