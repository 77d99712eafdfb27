package models

import "time"

// LifecycleEventType is the kind of collector lifecycle transition being reported
type LifecycleEventType string

const (
	LifecycleStart   LifecycleEventType = "START"
	LifecycleStop    LifecycleEventType = "STOP"
	LifecycleRestart LifecycleEventType = "RESTART"
	LifecycleError   LifecycleEventType = "ERROR"
)

// LifecycleEvent describes the collector process itself, not query data
type LifecycleEvent struct {
	Type       LifecycleEventType
	Message    string
	Timestamp  time.Time
	Attributes map[string]string
}
