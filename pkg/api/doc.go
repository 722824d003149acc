// Package api serves porter's HTTP interface.
//
// Authenticated routes live under /v1 and expect an HS256 bearer token naming the
// calling actor. Every handler authorizes through the tenancy guard before touching
// the stores, so a request for another organization's data is denied and audited
// before any query runs. Denials carry a fixed body that never echoes the entity.
//
// The invitee-facing routes under /v1/public take the invitation token in the path
// instead of a bearer token and are rate limited per client address.
package api
