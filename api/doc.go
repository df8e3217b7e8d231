// Package api serves a device agent over HTTP and provides a Go client for it.
// Errors carry the agent's error kind, so clients branch on
// interfaces.KindOf the same way in-process callers do.
package api
