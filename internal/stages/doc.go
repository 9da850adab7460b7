// Package stages implements the work of each pipeline stage.
//
// Rules is the deterministic processor: a keyword and metric classifier, a
// runbook-matching advisor, a simulated executor and a post-mortem writer.
// Claude asks a language model for the classification, plan and post-mortem
// and delegates execution to Rules.
package stages
