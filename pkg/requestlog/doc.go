// Package requestlog keeps the most recent proxied requests of every service
// in a SQLite database (request_logs.db in the data directory). The schema is
// managed with embedded migrations. Writes are batched by Service, which the
// proxy runtime uses as its request sink.
package requestlog
