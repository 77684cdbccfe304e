// Package textutil derives display names and filesystem-safe tokens from
// query paths and result set names.
package textutil
