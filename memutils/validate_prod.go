//go:build !debug_tmalloc

package memutils

// DebugEnabled reports whether the package was built with the debug_tmalloc build tag
const DebugEnabled = false

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_tmalloc build tag is present
func DebugValidate(validatable Validatable) {
}
