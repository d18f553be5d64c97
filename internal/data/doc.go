/*
Package data provides OHLCV bar storage keyed by (symbol, timeframe).

The Repository is the only entry point; it delegates persistence to a pluggable
Backend (CSV flat files or a TimescaleDB hypertable), retries transient storage
faults with bounded exponential backoff, and enforces the package's single
non-negotiable invariant: every timestamp that enters or leaves storage is UTC.

Frames are treated as read-only once they cross a component boundary. Code that
needs to mutate a frame clones it first.

The Timescale backend stores a single base granularity per symbol; coarser
timeframes are produced by market-hours-aware resampling in memory, never by
pre-aggregation, because market sessions are not clock-aligned.
*/
package data
