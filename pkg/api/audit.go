package api

import (
	"net/http"
	"time"

	"github.com/platinummonkey/porter/pkg/audit"
	"github.com/platinummonkey/porter/pkg/httputil"
	"github.com/platinummonkey/porter/pkg/rbac"
	"github.com/platinummonkey/porter/pkg/tenancy"
)

// auditResource scopes audit_log_entries by organization. Entries without an
// organization are only returned to platform actors.
type auditResource struct{}

func (auditResource) Category() rbac.Category    { return rbac.CategoryAudit }
func (auditResource) Table() string              { return "audit_log_entries" }
func (auditResource) OrganizationColumn() string { return "organization_id" }

// listAudit returns audit entries newest first, filtered by the query string and
// exported as json (default), ndjson or csv.
func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	format, err := audit.ParseFormat(httputil.ParseQueryString(r, "format", ""))
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	limit, offset, err := httputil.ParsePage(r, 100)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	q := tenancy.From(auditResource{}, audit.Columns...).
		OrderBy("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset)
	for _, column := range []string{"action", "entity_type", "entity_id", "actor_id"} {
		if v := httputil.ParseQueryString(r, column, ""); v != "" {
			q.Where(column+" = ?", v)
		}
	}
	for _, bound := range []struct{ param, op string }{{"since", ">="}, {"until", "<"}} {
		v := httputil.ParseQueryString(r, bound.param, "")
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httputil.WriteBadRequest(w, "invalid "+bound.param+": expected RFC3339")
			return
		}
		q.Where("created_at "+bound.op+" ?", t.UTC())
	}

	org := httputil.ParseQueryString(r, "organization_id", "")
	if _, err := s.authorize(r.Context(), actor, rbac.CategoryAudit, rbac.ActionRead, org); err != nil {
		writeError(w, r, err)
		return
	}
	scoped, err := s.deps.Guard.ScopeQuery(r.Context(), q, actor, org)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rows, err := scoped.Query(r.Context(), s.deps.DB)
	if err != nil {
		writeError(w, r, err)
		return
	}
	entries, err := audit.ScanEntries(rows)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	if format == audit.FormatCSV {
		w.Header().Set("Content-Disposition", `attachment; filename="audit.csv"`)
	}
	w.WriteHeader(http.StatusOK)
	if err := audit.Export(w, format, entries); err != nil {
		s.logger.WithError(err).Error("failed to write audit export")
	}
}
