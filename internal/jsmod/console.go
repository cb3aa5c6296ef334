package jsmod

import (
	"fmt"

	"github.com/cryguy/jsloop/internal/core"
)

// SetupConsole replaces globalThis.console with a Go-backed version that
// forwards each line to the sink.
func SetupConsole(rt core.JSRuntime, sink func(level, message string)) error {
	if err := rt.RegisterFunc("__console", func(level, message string) (int, error) {
		sink(level, message)
		return 0, nil
	}); err != nil {
		return fmt.Errorf("registering __console: %w", err)
	}

	consoleJS := `
(function() {
	var levels = ['log', 'info', 'warn', 'error', 'debug', 'trace'];
	var con = {};
	function fmtArg(arg) {
		if (typeof arg === 'object' && arg !== null) {
			try { return JSON.stringify(arg); } catch (e) { return '[object Object]'; }
		}
		return String(arg);
	}
	for (var i = 0; i < levels.length; i++) {
		(function(lvl) {
			con[lvl] = function() {
				var parts = [];
				for (var j = 0; j < arguments.length; j++) parts.push(fmtArg(arguments[j]));
				__console(lvl === 'trace' ? 'debug' : lvl, parts.join(' '));
			};
		})(levels[i]);
	}
	globalThis.console = con;
})();
`
	return rt.Eval(consoleJS)
}
