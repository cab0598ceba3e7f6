// Package api exposes the REST surface for executions, approvals and
// recurring orders. Every resource is scoped to the authenticated owner.
package api
