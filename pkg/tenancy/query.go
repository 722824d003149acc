package tenancy

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/platinummonkey/porter/pkg/rbac"
	"github.com/platinummonkey/porter/pkg/storage"
)

// Resource is implemented by every module that owns organization-scoped rows
type Resource interface {
	// Category is the permission category guarding the rows
	Category() rbac.Category
	// Table is the table or view the rows are read from
	Table() string
	// OrganizationColumn names the column holding the owning organization id
	OrganizationColumn() string
}

type condition struct {
	expr string
	args []any
}

// Query is an unscoped SELECT over a Resource. Conditions use ? for their arguments;
// numbered placeholders are assigned when the guard scopes the query.
type Query struct {
	resource   Resource
	columns    []string
	conditions []condition
	orderBy    string
	limit      int
	offset     int
}

// From starts a query over resource selecting columns, or every column when none are given
func From(resource Resource, columns ...string) *Query {
	return &Query{
		resource: resource,
		columns:  append([]string(nil), columns...),
	}
}

// Resource returns the resource the query reads
func (q *Query) Resource() Resource {
	return q.resource
}

// Where adds a condition joined with AND
func (q *Query) Where(expr string, args ...any) *Query {
	if strings.Count(expr, "?") != len(args) {
		panic(fmt.Sprintf("tenancy: condition %q takes %d arguments, got %d", expr, strings.Count(expr, "?"), len(args)))
	}
	q.conditions = append(q.conditions, condition{expr: expr, args: args})
	return q
}

// OrderBy sets the ORDER BY expression
func (q *Query) OrderBy(expr string) *Query {
	q.orderBy = expr
	return q
}

// Limit caps the number of rows; zero means no limit
func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

// Offset skips the first n rows. It only applies together with Limit.
func (q *Query) Offset(n int) *Query {
	q.offset = n
	return q
}

func (q *Query) clone() *Query {
	c := *q
	c.columns = append([]string(nil), q.columns...)
	c.conditions = append([]condition(nil), q.conditions...)
	return &c
}

// ScopedQuery is a Query restricted to the organizations an actor may read. Only the
// Guard creates one.
type ScopedQuery struct {
	query           *Query
	unrestricted    bool
	organizationIDs []string
}

func newScopedQuery(q *Query, unrestricted bool, organizationIDs []string) *ScopedQuery {
	return &ScopedQuery{
		query:           q.clone(),
		unrestricted:    unrestricted,
		organizationIDs: organizationIDs,
	}
}

// Unrestricted reports whether the query spans every organization
func (s *ScopedQuery) Unrestricted() bool {
	return s.unrestricted
}

// OrganizationIDs returns the organizations the query is limited to. It is nil when the
// query is unrestricted.
func (s *ScopedQuery) OrganizationIDs() []string {
	return s.organizationIDs
}

// SQL renders the statement with $n placeholders numbered in order of appearance
func (s *ScopedQuery) SQL() (string, []any) {
	q := s.query
	var (
		b     strings.Builder
		where []string
		args  []any
	)

	next := func() string {
		return fmt.Sprintf("$%d", len(args))
	}

	if !s.unrestricted || len(s.organizationIDs) > 0 {
		if len(s.organizationIDs) == 0 {
			where = append(where, "1 = 0")
		} else {
			placeholders := make([]string, len(s.organizationIDs))
			for i, id := range s.organizationIDs {
				args = append(args, id)
				placeholders[i] = next()
			}
			where = append(where, fmt.Sprintf("%s IN (%s)", q.resource.OrganizationColumn(), strings.Join(placeholders, ", ")))
		}
	}

	for _, c := range q.conditions {
		var expr strings.Builder
		i := 0
		for _, r := range c.expr {
			if r == '?' {
				args = append(args, c.args[i])
				expr.WriteString(next())
				i++
				continue
			}
			expr.WriteRune(r)
		}
		where = append(where, "("+expr.String()+")")
	}

	columns := "*"
	if len(q.columns) > 0 {
		columns = strings.Join(q.columns, ", ")
	}
	fmt.Fprintf(&b, "SELECT %s FROM %s", columns, q.resource.Table())
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	if q.orderBy != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(q.orderBy)
	}
	if q.limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.limit)
		if q.offset > 0 {
			fmt.Fprintf(&b, " OFFSET %d", q.offset)
		}
	}
	return b.String(), args
}

// Query runs the statement
func (s *ScopedQuery) Query(ctx context.Context, db storage.DBTX) (*sql.Rows, error) {
	query, args := s.SQL()
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", s.query.resource.Table(), err)
	}
	return rows, nil
}
