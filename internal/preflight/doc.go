// Package preflight provides readiness checks for the CodeQL toolchain and
// the filesystem paths qlbridge depends on.
//
// The CLI "qlbridge doctor" command runs RunAll and renders each Result as a
// table row. "qlbridge run" calls CheckSystemDeps before spawning the query
// server so a missing bundle fails fast with a readable message instead of a
// startup timeout.
package preflight
