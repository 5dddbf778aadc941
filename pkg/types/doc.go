// Package types defines the shared data model for the indexing control plane:
// tasks and their status history, resource intervals, worker presence records,
// and the websocket frames exchanged between the overlord and its workers.
package types
