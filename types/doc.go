// Package types provides the shared type definitions for BrandLens.
//
// It is the lowest-level package in the module and depends on nothing
// internal. The structured Error type and its ErrorCode taxonomy are
// defined here so that the remote client, the workflow orchestrator,
// and the HTTP layer all speak the same failure vocabulary.
package types
