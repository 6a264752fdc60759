package datascope

import (
	"fmt"

	"github.com/lib/pq"
)

// Record is the ownership of one row, as seen by Matches
type Record struct {
	OrganizationID string
	DepartmentID   string
	OwnerID        string
}

// Matches reports whether r passes the filter
func (f FilterDescriptor) Matches(r Record) bool {
	switch f.Kind {
	case KindNone:
		return true
	case KindOrganization:
		return f.OrganizationID != "" && r.OrganizationID == f.OrganizationID
	case KindDepartments:
		for _, id := range f.DepartmentIDs {
			if r.DepartmentID == id {
				return true
			}
		}
		return false
	case KindOwner:
		return f.OwnerID != "" && r.OwnerID == f.OwnerID
	}
	return false
}

// Columns names the ownership columns of a table
type Columns struct {
	Organization string
	Department   string
	Owner        string
}

// DefaultColumns returns organization_id, department_id and owner_id
func DefaultColumns() Columns {
	return Columns{
		Organization: "organization_id",
		Department:   "department_id",
		Owner:        "owner_id",
	}
}

// SQL renders the filter as a postgres predicate whose placeholders start
// at $firstArg. A filter on a column the table does not have renders FALSE.
func (f FilterDescriptor) SQL(cols Columns, firstArg int) (string, []interface{}) {
	if firstArg < 1 {
		firstArg = 1
	}

	switch f.Kind {
	case KindNone:
		return "TRUE", nil
	case KindOrganization:
		if cols.Organization == "" {
			return "FALSE", nil
		}
		return fmt.Sprintf("%s = $%d", cols.Organization, firstArg), []interface{}{f.OrganizationID}
	case KindDepartments:
		if cols.Department == "" || len(f.DepartmentIDs) == 0 {
			return "FALSE", nil
		}
		return fmt.Sprintf("%s = ANY($%d)", cols.Department, firstArg), []interface{}{pq.Array(f.DepartmentIDs)}
	case KindOwner:
		if cols.Owner == "" {
			return "FALSE", nil
		}
		return fmt.Sprintf("%s = $%d", cols.Owner, firstArg), []interface{}{f.OwnerID}
	}
	return "FALSE", nil
}
