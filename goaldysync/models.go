// Package goaldysync is the reference backend for goaldy-sync: a Postgres
// sidecar store exposing the two calls the client's remote adapter needs,
// a per-user "rows changed since" read and an idempotent per-row upsert,
// behind JWT-authenticated HTTP handlers.
package goaldysync

// UpsertRequest is the body of PUT /sync/{table}/rows. ConflictKey is the
// row's id for normal entities or the owning user's id for singleton
// entities; replaying the same request is a no-op.
type UpsertRequest struct {
	Row         map[string]any `json:"row"`
	ConflictKey string         `json:"conflict_key"`
}

// ChangesResponse is the body of GET /sync/{table}/changes.
type ChangesResponse struct {
	Rows []map[string]any `json:"rows"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
