// Package dedupe remembers the results of idempotent requests for a
// configurable window so retried handoff requests replay the first outcome.
package dedupe
