// Package audit records privileged decisions and mutations in the append-only
// audit_log_entries table.
//
// # Write-ahead entries
//
// Every mutation of the role catalog, the assignment store and the invitation workflow
// emits exactly one entry in the same transaction as the mutation:
//
//	err := recorder.Mutate(ctx, db, audit.Entry{
//		OrganizationID: &orgID,
//		ActorID:        by.ID,
//		ActorType:      string(by.Type),
//		Action:         audit.ActionRoleAssigned,
//		EntityType:     audit.EntityAssignment,
//	}, func(tx *sql.Tx, e *audit.Entry) error {
//		// write rows with tx, then fill e.EntityID and e.After
//		return nil
//	})
//
// If the audit insert fails the mutation is rolled back. If the mutation fails after the
// transaction opened, an entry with success=false is written afterwards.
//
// # Reading
//
// Report queries are built through the tenancy guard and decoded with ScanEntries.
// Export renders entries as json, ndjson or csv, and the Archiver copies one day of
// entries to S3 without deleting anything.
package audit
