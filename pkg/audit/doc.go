// Package audit provides append-only audit and security logging for the
// platform.
//
// Two record streams exist: audit_logs captures every data-touching operation
// with its outcome, and security_logs captures security-relevant events such
// as authorization denials and sharing changes. Both tables are insert-only;
// the package deliberately exposes no update or delete API.
//
// Request handlers log through AsyncLogger, which queues entries on a bounded
// channel and writes them from a single goroutine. A full queue drops entries
// rather than blocking the request, and backend failures are swallowed after
// being reported to a diagnostic callback. An audit outage therefore degrades
// observability but never availability.
package audit
