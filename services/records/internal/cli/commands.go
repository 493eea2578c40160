package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"recordkeeper/pkg/domain"
	"recordkeeper/pkg/snapshot"
	"recordkeeper/pkg/store"
)

// workspace is a snapshot file loaded into a memory store.
type workspace struct {
	backend *snapshot.FileBackend
	store   *store.MemoryStore
}

func openWorkspace(ctx context.Context, path string) (*workspace, error) {
	backend, err := snapshot.NewFileBackend(path)
	if err != nil {
		return nil, err
	}
	ws := &workspace{backend: backend, store: store.NewMemoryStore()}
	data, err := backend.Read(ctx)
	if errors.Is(err, snapshot.ErrNoSnapshot) {
		return ws, nil
	}
	if err != nil {
		return nil, err
	}
	depts, err := snapshot.Decode(data)
	if err != nil {
		return nil, err
	}
	if err := ws.store.ReplaceDepartments(depts); err != nil {
		return nil, err
	}
	return ws, nil
}

func (ws *workspace) save(ctx context.Context) error {
	depts, err := ws.store.ListDepartments()
	if err != nil {
		return err
	}
	data, err := snapshot.Encode(depts)
	if err != nil {
		return err
	}
	return ws.backend.Write(ctx, data)
}

func parseID(name, raw string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", name, raw)
	}
	return id, nil
}

func writeOutput(w io.Writer, format string, payload any, text func(io.Writer)) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	}
	text(w)
	return nil
}

// NewInspectCommand prints the departments stored in the snapshot.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "inspect",
		Short:         "Print the departments in the snapshot",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, err := openWorkspace(cmd.Context(), rootOpts.File)
			if err != nil {
				return err
			}
			depts, err := ws.store.ListDepartments()
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), rootOpts.Format, depts, func(w io.Writer) {
				if len(depts) == 0 {
					fmt.Fprintf(w, "no departments in %s\n", ws.backend.Path())
					return
				}
				for _, d := range depts {
					fmt.Fprintf(w, "%d\t%s\t(%d employees)\n", d.DeptID, d.Name, len(d.Employees))
					for _, e := range d.Employees {
						fmt.Fprintf(w, "  %d\t%s\n", e.EmpID, e.Name)
					}
				}
			})
		},
	}
}

// NewDepartmentCommand groups department subcommands.
func NewDepartmentCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "department",
		Short: "Manage departments in the snapshot",
	}
	cmd.AddCommand(&cobra.Command{
		Use:           "add <dept-id> <name>",
		Short:         "Add an empty department",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			deptID, err := parseID("dept-id", args[0])
			if err != nil {
				return err
			}
			ws, err := openWorkspace(cmd.Context(), rootOpts.File)
			if err != nil {
				return err
			}
			if err := ws.store.AddDepartment(deptID, args[1]); err != nil {
				if errors.Is(err, store.ErrConflict) {
					return fmt.Errorf("department %d already exists", deptID)
				}
				return err
			}
			if err := ws.save(cmd.Context()); err != nil {
				return err
			}
			dept := domain.Department{DeptID: deptID, Name: args[1], Employees: []domain.Employee{}}
			return writeOutput(cmd.OutOrStdout(), rootOpts.Format, dept, func(w io.Writer) {
				fmt.Fprintf(w, "added department %d %s\n", deptID, args[1])
			})
		},
	})
	return cmd
}

// NewEmployeeCommand groups employee subcommands.
func NewEmployeeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "employee",
		Short: "Manage employees in the snapshot",
	}
	cmd.AddCommand(&cobra.Command{
		Use:           "add <dept-id> <emp-id> <name>",
		Short:         "Add an employee to an existing department",
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			deptID, err := parseID("dept-id", args[0])
			if err != nil {
				return err
			}
			empID, err := parseID("emp-id", args[1])
			if err != nil {
				return err
			}
			ws, err := openWorkspace(cmd.Context(), rootOpts.File)
			if err != nil {
				return err
			}
			if err := ws.store.AddEmployee(deptID, empID, args[2]); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("department %d not found", deptID)
				}
				return err
			}
			if err := ws.save(cmd.Context()); err != nil {
				return err
			}
			emp := domain.Employee{EmpID: empID, Name: args[2], DepartmentID: deptID}
			return writeOutput(cmd.OutOrStdout(), rootOpts.Format, emp, func(w io.Writer) {
				fmt.Fprintf(w, "added employee %d %s to department %d\n", empID, args[2], deptID)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:           "list <dept-id>",
		Short:         "List a department's employees",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			deptID, err := parseID("dept-id", args[0])
			if err != nil {
				return err
			}
			ws, err := openWorkspace(cmd.Context(), rootOpts.File)
			if err != nil {
				return err
			}
			emps, err := ws.store.ListEmployees(deptID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("department %d not found", deptID)
				}
				return err
			}
			return writeOutput(cmd.OutOrStdout(), rootOpts.Format, emps, func(w io.Writer) {
				for _, e := range emps {
					fmt.Fprintf(w, "%d\t%s\n", e.EmpID, e.Name)
				}
			})
		},
	})
	return cmd
}
