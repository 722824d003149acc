// Package invitations runs the invitation workflow through which new actors join an
// organization.
//
// An invitation moves pending -> sent -> opened -> completed. Any of the first three may be
// cancelled, and any of them expires once its expiry passes. Expiry is applied lazily when
// an invitation is loaded by Dispatch, Resolve, Accept or Cancel, so no background process
// is needed for correctness; ExpireOverdue is the optional sweep that keeps reporting
// fresh.
//
// Accept is the only transition with side effects. It creates the onboarding record for
// the invitation type, links it, and assigns the role the type implies, together with the
// audit entry in one transaction. Concurrent accepts are decided by a compare-and-set on
// the status column; the loser returns the winner's result.
package invitations
