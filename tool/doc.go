// Package tool presents the tools of many servers as one flat catalog.
//
// A Catalog is built from an EffectiveConfig. Servers are reached over
// protocol sessions (stdio, sse, streamable-http), plain REST ("api") or
// in-process function tools. Tool names are flattened to "{server}__{tool}",
// schemas are normalized, and an optional env-content parameter is hidden
// from every schema and injected again when the tool is called.
//
// Protocol calls are retried with a per-attempt timeout. Sessions are
// either dialed per call or cached in a SessionRegistry (reuse mode).
package tool
