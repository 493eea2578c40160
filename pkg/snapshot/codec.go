// Package snapshot persists the department/employee hierarchy as a single
// JSON document. Books and reviews are not part of the document.
package snapshot

import (
	"encoding/json"
	"fmt"

	"recordkeeper/pkg/domain"
)

type document struct {
	Departments []departmentRecord `json:"departments"`
}

type departmentRecord struct {
	DeptID    int              `json:"dept_id"`
	Name      string           `json:"name"`
	Employees []employeeRecord `json:"employees"`
}

type employeeRecord struct {
	EmpID int    `json:"emp_id"`
	Name  string `json:"name"`
}

// Encode renders departments, in order, as an indented document.
func Encode(depts []domain.Department) ([]byte, error) {
	doc := document{Departments: make([]departmentRecord, 0, len(depts))}
	for _, d := range depts {
		rec := departmentRecord{DeptID: d.DeptID, Name: d.Name, Employees: make([]employeeRecord, 0, len(d.Employees))}
		for _, e := range d.Employees {
			rec.Employees = append(rec.Employees, employeeRecord{EmpID: e.EmpID, Name: e.Name})
		}
		doc.Departments = append(doc.Departments, rec)
	}
	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses a document produced by Encode.
// Employee.DepartmentID is filled from the enclosing department.
func Decode(data []byte) ([]domain.Department, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	depts := make([]domain.Department, 0, len(doc.Departments))
	seen := make(map[int]struct{}, len(doc.Departments))
	for _, rec := range doc.Departments {
		if _, dup := seen[rec.DeptID]; dup {
			return nil, fmt.Errorf("decode snapshot: duplicate dept_id %d", rec.DeptID)
		}
		seen[rec.DeptID] = struct{}{}
		d := domain.Department{DeptID: rec.DeptID, Name: rec.Name, Employees: make([]domain.Employee, 0, len(rec.Employees))}
		for _, e := range rec.Employees {
			d.Employees = append(d.Employees, domain.Employee{EmpID: e.EmpID, Name: e.Name, DepartmentID: rec.DeptID})
		}
		depts = append(depts, d)
	}
	return depts, nil
}
