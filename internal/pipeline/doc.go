// Package pipeline drives incidents through their ordered stages. The
// Coordinator owns the per-incident in-flight set, invokes the stage
// Processor, applies results through the incident.Store and publishes
// progress events for observers.
package pipeline
