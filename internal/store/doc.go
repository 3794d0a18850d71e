// Package store implements the tracker's durable state store: device
// blobs with PHY name and MAC as secondary columns, user-assigned
// device names, and tags, in a SQLite file the store owns end to end
// (connection, pragmas, schema, and the version row in the RADIOWATCH
// metadata table).
//
// Blobs are the tracker's self-describing JSON envelope, optionally
// gzip-compressed; both forms coexist in one database and are sniffed
// on read. Rows referencing a PHY that has not registered yet are
// retained in a deferred queue and replayed when that PHY appears.
//
// The store implements tracker.Persistence and is wired in by main.
package store
