// Package dedupe remembers recent start requests by correlation token so a
// client that retries a start gets the conversation it already created.
package dedupe
