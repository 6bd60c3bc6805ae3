// Package attach holds user attachments and adapts the external text
// extraction service. Only files whose extraction succeeded are included in
// a start_conversation payload.
package attach
