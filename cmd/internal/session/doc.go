// Package session binds an inbound connection to a marketplace actor.
//
// Authentication itself happens upstream (an auth proxy or identity provider). A Provider
// extracts the already-authenticated Identity from the request, and Open resolves it into the
// stable numeric Actor used by the chat core. A Session is immutable once opened.
package session
