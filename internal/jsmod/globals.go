package jsmod

import (
	"fmt"
	"os"
	"strings"

	"github.com/cryguy/jsloop/internal/core"
)

// SetupGlobals installs the small process-facing globals: exit(code), the
// env object, and queueMicrotask.
func SetupGlobals(rt core.JSRuntime) error {
	if err := rt.RegisterFunc("__exit", func(code int) (int, error) {
		os.Exit(code)
		return 0, nil
	}); err != nil {
		return fmt.Errorf("registering __exit: %w", err)
	}

	var b strings.Builder
	b.WriteString(`(function() {
	globalThis.exit = function(code) { __exit((code|0) || 0); };
	globalThis.queueMicrotask = function(fn) { Promise.resolve().then(fn); };
	globalThis.env = {};
`)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "\tglobalThis.env[%s] = %s;\n", quote(k), quote(v))
	}
	b.WriteString("})();")
	return rt.Eval(b.String())
}
