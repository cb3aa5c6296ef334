package jsmod

import "strconv"

// quote escapes a string for embedding in evaluated JS source. Go's %q
// quoting is also valid JS.
func quote(s string) string {
	return strconv.Quote(s)
}
