package store

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"recordkeeper/pkg/domain"
)

// dryRunDB builds statements without ever dialing the server.
func dryRunDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(postgres.New(postgres.Config{DSN: "host=127.0.0.1 user=records dbname=records sslmode=disable"}),
		&gorm.Config{DryRun: true, DisableAutomaticPing: true})
	if err != nil {
		t.Fatalf("open dry run db: %v", err)
	}
	return db
}

func TestBookQueryFilterPrecedence(t *testing.T) {
	db := dryRunDB(t)
	cases := map[string]struct {
		filter BookFilter
		where  string
		absent string
		vars   []interface{}
	}{
		"author wins": {BookFilter{Author: "Herbert", PublicationYear: 1984}, "author = $1", "publication_year", []interface{}{"Herbert"}},
		"year only":   {BookFilter{PublicationYear: 1984}, "publication_year = $1", "author", []interface{}{1984}},
		"no filter":   {BookFilter{}, `FROM "book_models"`, "WHERE", nil},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			var models []BookModel
			stmt := bookQuery(db, tc.filter).Find(&models).Statement
			sql := stmt.SQL.String()
			if !strings.Contains(sql, tc.where) {
				t.Fatalf("sql %q missing %q", sql, tc.where)
			}
			if strings.Contains(sql, tc.absent) {
				t.Fatalf("sql %q must not contain %q", sql, tc.absent)
			}
			if !strings.HasSuffix(sql, "ORDER BY id asc") {
				t.Fatalf("sql %q not ordered by id", sql)
			}
			if len(tc.vars) == 0 && len(stmt.Vars) == 0 {
				return
			}
			if !reflect.DeepEqual(stmt.Vars, tc.vars) {
				t.Fatalf("vars = %v, want %v", stmt.Vars, tc.vars)
			}
		})
	}
}

func TestGormReplaceDepartmentsRejectsDuplicates(t *testing.T) {
	s := &GormStore{db: dryRunDB(t)}
	depts := []domain.Department{
		{DeptID: 1, Name: "Ops"},
		{DeptID: 2, Name: "Sales"},
		{DeptID: 1, Name: "Ops again"},
	}
	if err := s.ReplaceDepartments(depts); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate dept ids: got %v, want ErrConflict", err)
	}
}
