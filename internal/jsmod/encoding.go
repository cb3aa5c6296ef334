package jsmod

import (
	"fmt"

	"github.com/cryguy/jsloop/internal/core"
)

// encodingJS implements global atob() and btoa() as pure JavaScript.
// Using a pure-JS implementation avoids any boundary-crossing issues
// with binary strings containing null bytes. The base64 completion
// fallback and the class-argument buffer encoding both depend on these.
const encodingJS = `
(function() {
	var _e = 'ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/';
	var _d = new Uint8Array(128);
	for (var i = 0; i < _e.length; i++) _d[_e.charCodeAt(i)] = i;
	var _v = new Uint8Array(128);
	for (var i = 0; i < _e.length; i++) _v[_e.charCodeAt(i)] = 1;
	_v[61] = 1; // '='

	// btoa(data) — encodes a binary (Latin-1) string to base64.
	globalThis.btoa = function(data) {
		if (arguments.length < 1) throw new TypeError("btoa requires at least 1 argument(s)");
		var s = String(data);
		var len = s.length;
		if (len === 0) return '';
		var bytes = new Uint8Array(len);
		for (var i = 0; i < len; i++) {
			var ch = s.charCodeAt(i);
			if (ch > 255) throw new Error("btoa: string contains characters outside of the Latin1 range");
			bytes[i] = ch;
		}
		var out = [];
		for (var i = 0; i < len; i += 3) {
			var a = bytes[i];
			var b = i + 1 < len ? bytes[i + 1] : 0;
			var c = i + 2 < len ? bytes[i + 2] : 0;
			out.push(
				_e[a >> 2],
				_e[((a & 3) << 4) | (b >> 4)],
				i + 1 < len ? _e[((b & 15) << 2) | (c >> 6)] : '=',
				i + 2 < len ? _e[c & 63] : '='
			);
		}
		return out.join('');
	};

	// atob(data) — decodes a base64-encoded string to a binary (Latin-1)
	// string. Tolerates missing padding and ASCII whitespace.
	globalThis.atob = function(data) {
		if (arguments.length < 1) throw new TypeError("atob requires at least 1 argument(s)");
		var b64 = String(data);
		b64 = b64.replace(/[\t\n\f\r ]/g, '');
		if (b64.length === 0) return '';
		if (b64.length % 4 === 0) {
			if (b64[b64.length - 1] === '=') {
				b64 = b64.slice(0, b64[b64.length - 2] === '=' ? -2 : -1);
			}
		}
		if (b64.length % 4 === 1) {
			throw new Error("atob: invalid base64 string");
		}
		for (var i = 0; i < b64.length; i++) {
			var ch = b64.charCodeAt(i);
			if (ch >= 128 || !_v[ch] || ch === 61) {
				throw new Error("atob: invalid base64 string");
			}
		}
		while (b64.length % 4 !== 0) b64 += '=';
		var pad = 0;
		if (b64[b64.length - 1] === '=') pad++;
		if (b64[b64.length - 2] === '=') pad++;
		var outLen = (b64.length / 4) * 3 - pad;
		var bytes = new Uint8Array(outLen);
		var j = 0;
		for (var i = 0; i < b64.length; i += 4) {
			var a = _d[b64.charCodeAt(i)];
			var b = _d[b64.charCodeAt(i + 1)];
			var c = _d[b64.charCodeAt(i + 2)];
			var d = _d[b64.charCodeAt(i + 3)];
			bytes[j++] = (a << 2) | (b >> 4);
			if (j < outLen) bytes[j++] = ((b & 15) << 4) | (c >> 2);
			if (j < outLen) bytes[j++] = ((c & 3) << 6) | d;
		}
		var CHUNK = 4096;
		var result = '';
		for (var i = 0; i < outLen; i += CHUNK) {
			var end = Math.min(i + CHUNK, outLen);
			result += String.fromCharCode.apply(null, bytes.subarray(i, end));
		}
		return result;
	};
})();
`

// SetupEncoding evaluates the pure-JS atob/btoa implementations.
func SetupEncoding(rt core.JSRuntime) error {
	if err := rt.Eval(encodingJS); err != nil {
		return fmt.Errorf("evaluating encoding polyfill: %w", err)
	}
	return nil
}
