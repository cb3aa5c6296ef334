package jsclass

// classGlueJS installs the shared encode/decode helpers, the parked-ref
// registry, and (when the engine has it) the FinalizationRegistry that
// reports collected instances back to Go.
const classGlueJS = `
(function() {
	globalThis.__classes = {};
	globalThis.__classRefs = {};
	globalThis.__clsNextRef = 1;

	if (typeof FinalizationRegistry === 'function') {
		globalThis.__clsFinReg = new FinalizationRegistry(function(held) {
			__classFinalize(held[0], held[1]);
		});
	}

	globalThis.__clsEncodeVal = function(v) {
		if (v === null) return { k: 'null' };
		if (v === undefined) return { k: 'undefined' };
		var t = typeof v;
		if (t === 'number') return { k: 'num', v: v };
		if (t === 'boolean') return { k: 'bool', v: v };
		if (t === 'string') return { k: 'str', v: v };
		if (t === 'function') {
			var id = globalThis.__clsNextRef++;
			globalThis.__classRefs[id] = v;
			return { k: 'ref', id: id };
		}
		if (v instanceof ArrayBuffer || ArrayBuffer.isView(v)) {
			var bytes = v instanceof ArrayBuffer
				? new Uint8Array(v)
				: new Uint8Array(v.buffer, v.byteOffset, v.byteLength);
			var parts = [];
			for (var i = 0; i < bytes.length; i += 8192) {
				parts.push(String.fromCharCode.apply(null, bytes.subarray(i, Math.min(i + 8192, bytes.length))));
			}
			return { k: 'buf', b64: btoa(parts.join('')) };
		}
		if (typeof v.__h === 'number' && typeof v.__cls === 'number') {
			return { k: 'handle', h: v.__h, cls: v.__cls };
		}
		return { k: 'json', v: JSON.stringify(v) };
	};

	globalThis.__clsEncodeArgs = function(args) {
		var out = [];
		for (var i = 0; i < args.length; i++) out.push(globalThis.__clsEncodeVal(args[i]));
		return out;
	};

	globalThis.__clsWrap = function(cls, h) {
		var C = globalThis.__classes[cls];
		var o = Object.create(C ? C.prototype : null);
		Object.defineProperty(o, '__h', { value: h });
		Object.defineProperty(o, '__cls', { value: cls });
		if (globalThis.__clsFinReg) globalThis.__clsFinReg.register(o, [cls, h]);
		return o;
	};

	globalThis.__clsDecode = function(s) {
		var d = JSON.parse(s);
		switch (d.k) {
		case 'num': return d.v;
		case 'str': return d.v;
		case 'bool': return d.v;
		case 'null': return null;
		case 'buf': {
			var raw = atob(d.b64 || '');
			var bytes = new Uint8Array(raw.length);
			for (var i = 0; i < raw.length; i++) bytes[i] = raw.charCodeAt(i);
			return bytes.buffer;
		}
		case 'json': return JSON.parse(d.v);
		case 'handle': return globalThis.__clsWrap(d.cls, d.h);
		case 'token': return new Promise(function(resolve, reject) {
			globalThis.__cbTokens[d.id] = { resolve: resolve, reject: reject };
		});
		default: return undefined;
		}
	};
})();
`
