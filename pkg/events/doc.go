// Package events provides hydra's in-memory pub/sub bus: migration
// progress, security events and activity log entries all flow through one
// Broker so dashboard SSE endpoints can subscribe without polling.
package events
