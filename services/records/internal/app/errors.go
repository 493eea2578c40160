package app

import "errors"

var (
	ErrInvalidBook  = errors.New("title and author are required")
	ErrBookNotFound = errors.New("book not found")
	ErrDeptNotFound = errors.New("department not found")
	ErrDeptConflict = errors.New("department already exists")
)
