// Package session tracks MCP transport sessions across two layers.
//
// The Registry is the live, in-memory map from session id to the attached
// transport stream. It enforces session id validation and a concurrent
// session limit, and evicts idle sessions on a background loop. A close
// handler installed with OnClose fires whenever a session leaves the live
// map through Remove or idle eviction, which is how the transport layer
// marks persisted sessions inactive on disconnect.
//
// The Store persists session descriptors under [transport, session, <id>]
// with a secondary index under [transport, session_by_user, <user>, <id>]
// (the literal user "anonymous" when no user is bound). Both rows are
// always written and deleted in a single atomic commit, so readers never
// observe a session without its index or an index pointing at nothing.
//
// RestoreSessions bridges the two at startup: every descriptor still
// flagged active is re-attached to the MCP engine and inserted into the
// live registry before the server accepts traffic, because a reconnecting
// client may race the first post-restart request. Stopping the registry
// deliberately leaves descriptors active; only client disconnects and idle
// eviction mark them inactive.
package session
