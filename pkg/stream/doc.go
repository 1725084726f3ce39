// Package stream ingests the pending-request event feed of the primary
// backend.
//
// A backend exposes its feed as Server-Sent Events at /api/events. The
// Ingestor keeps at most one connection open, sorts incoming frames into
// heartbeats, data messages and terminal signals, and republishes accepted
// events on a Hub in wire order. The Ingestor never reconnects on its own;
// the discovery poller decides when a new session is opened.
package stream
