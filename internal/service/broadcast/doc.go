// Package broadcast implements broadcast campaign lifecycle management.
//
// The service layer contains all business logic for creating, scheduling,
// firing, and settling broadcast campaigns, including the per-fire dispatch
// algorithm (claim, resolve, reserve, fan out, settle, re-arm). It depends
// on the repository and collaborator interfaces defined in this package and
// should never import from api/.
//
// Repository implementations live in repository/postgres/ and
// repository/memory/.
package broadcast
