// Package events provides an in-process pub/sub broker for core events:
// schedule generation, job completion, and instance health transitions.
package events
