// Package model defines the records shared between the relay and its sinks.
//
// Conventions:
//   - Timestamps: int64 microseconds since Unix epoch
//   - IDs: uuid.UUID for sessions, observers and archived frames
//   - Raw lines are stored without the CRLF delimiter
package model
