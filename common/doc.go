// Package common holds process-wide helpers shared by the binaries and
// libraries: logger construction, build version, and the retry policy applied
// to transient failures.
package common
