package jsloop

import (
	"github.com/evanw/esbuild/pkg/api"
)

// wrapESModule transforms an ES module source into a plain script by
// wrapping it as an IIFE assigned to globalThis.__main_module__, using
// esbuild's Transform API to parse the actual AST.
//
// If the source has no exports (already a plain script), the wrapping is
// harmless. If esbuild reports errors, the source is returned unchanged so
// the engine surfaces its own compile error downstream.
func wrapESModule(source string) string {
	result := api.Transform(source, api.TransformOptions{
		Format:     api.FormatIIFE,
		GlobalName: "globalThis.__main_module__",
		Target:     api.ESNext,
	})
	if len(result.Errors) > 0 {
		return source
	}
	code := string(result.Code)
	// esbuild places the default export under a .default property when
	// converting ESM to IIFE. Unwrap it so callers reach the exports
	// directly.
	code += "if(globalThis.__main_module__&&globalThis.__main_module__.default)globalThis.__main_module__=globalThis.__main_module__.default;\n"
	return code
}
