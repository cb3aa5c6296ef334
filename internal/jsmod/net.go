package jsmod

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"

	"github.com/cryguy/jsloop/internal/core"
	"github.com/cryguy/jsloop/internal/eventloop"
)

// netJS is the promise-style socket API plus the event-style listen. Every
// async call returns a token id from Go and wires a Promise to it; the
// loop settles the token when the matching completion arrives.
const netJS = `
(function() {
	var net = {};

	net.tcp_connect = function(host, port, timeoutMs) {
		if (typeof host !== 'string') throw new TypeError("'host' is not a string");
		if (typeof port !== 'number') throw new TypeError("'port' is not a number");
		return __tokenPromise(__netConnect(host, port | 0, (timeoutMs | 0) || 0));
	};

	net.tcp_listen = function(port) {
		if (typeof port !== 'number') throw new TypeError("'port' is not a number");
		return __tokenPromise(__netListen(port | 0));
	};

	net.accept = function(fd) {
		if (typeof fd !== 'number') throw new TypeError("'fd' is not a number");
		return __tokenPromise(__netAccept(fd | 0));
	};

	net.read = function(fd, max) {
		if (typeof fd !== 'number') throw new TypeError("'fd' is not a number");
		return __tokenPromise(__netRead(fd | 0, (max | 0) || 0));
	};

	net.write = function(fd, data) {
		if (typeof fd !== 'number') throw new TypeError("'fd' is not a number");
		if (typeof data === 'string') {
			return __tokenPromise(__netWriteStr(fd | 0, data));
		}
		if (data instanceof ArrayBuffer) {
			globalThis.__net_wbuf = data.slice(0);
			return __tokenPromise(__netWrite(fd | 0));
		}
		if (ArrayBuffer.isView(data)) {
			globalThis.__net_wbuf = data.buffer.slice(data.byteOffset, data.byteOffset + data.byteLength);
			return __tokenPromise(__netWrite(fd | 0));
		}
		throw new TypeError("'data' is not a string or ArrayBuffer");
	};

	net.close = function(fd) {
		if (typeof fd !== 'number') throw new TypeError("'fd' is not a number");
		__netClose(fd | 0);
	};

	net.local_addr = function(fd) { return __netLocalAddr(fd | 0); };
	net.peer_addr = function(fd) { return __netPeerAddr(fd | 0); };

	net.nslookup = function(node, service) {
		return JSON.parse(__nslookup(String(node), String(service === undefined ? '' : service)));
	};

	// Event-style server: handlers is {on_connect, on_read, on_error,
	// on_close}. The handler object follows each accepted connection.
	net.listen = function(port, handlers) {
		return net.tcp_listen(port).then(function(fd) {
			globalThis.__netHandlers[fd] = handlers || {};
			__netAttach(fd | 0);
			return fd;
		});
	};

	globalThis.net = net;
})();
`

// SetupNet registers the socket bindings and evaluates the net module.
func SetupNet(rt core.JSRuntime, loop *eventloop.Loop) error {
	bt, _ := rt.(core.BinaryTransferer)

	regs := map[string]any{
		"__netConnect": func(host string, port, timeoutMs int) (int, error) {
			if port < 0 || port > 65535 {
				return 0, fmt.Errorf("port %d out of range", port)
			}
			return int(loop.Connect(host, port, timeoutMs)), nil
		},
		"__netListen": func(port int) (int, error) {
			if port < 0 || port > 65535 {
				return 0, fmt.Errorf("port %d out of range", port)
			}
			return int(loop.Listen(port)), nil
		},
		"__netAccept": func(fd int) (int, error) {
			token, err := loop.Accept(int32(fd))
			if err != nil {
				return 0, err
			}
			return int(token), nil
		},
		"__netRead": func(fd, max int) (int, error) {
			token, err := loop.Read(int32(fd), max)
			if err != nil {
				return 0, err
			}
			return int(token), nil
		},
		"__netWriteStr": func(fd int, data string) (int, error) {
			token, err := loop.Write(int32(fd), []byte(data))
			if err != nil {
				return 0, err
			}
			return int(token), nil
		},
		"__netWrite": func(fd int) (int, error) {
			if bt == nil {
				return 0, fmt.Errorf("engine has no binary transfer")
			}
			data, err := bt.ReadBinaryFromJS("__net_wbuf")
			if err != nil {
				return 0, fmt.Errorf("reading write payload: %w", err)
			}
			token, err := loop.Write(int32(fd), data)
			if err != nil {
				return 0, err
			}
			return int(token), nil
		},
		"__netClose": func(fd int) (int, error) {
			loop.Close(int32(fd))
			return 0, nil
		},
		"__netAttach": func(fd int) (int, error) {
			if err := loop.Attach(int32(fd)); err != nil {
				return 0, err
			}
			return 0, nil
		},
		"__netLocalAddr": func(fd int) (string, error) {
			return loop.LocalAddr(int32(fd))
		},
		"__netPeerAddr": func(fd int) (string, error) {
			return loop.PeerAddr(int32(fd))
		},
		"__nslookup": func(node, service string) (string, error) {
			return nslookup(node, service)
		},
	}
	for name, fn := range regs {
		if err := rt.RegisterFunc(name, fn); err != nil {
			return fmt.Errorf("registering %s: %w", name, err)
		}
	}
	return rt.Eval(netJS)
}

// nslookup resolves node (and optional service port) to "host:port"
// strings, mirroring the original runtime's name lookup export.
func nslookup(node, service string) (string, error) {
	hosts, err := net.LookupHost(node)
	if err != nil {
		return "", err
	}
	port := service
	if port == "" {
		port = "0"
	}
	if _, err := strconv.Atoi(port); err != nil {
		p, err := net.LookupPort("tcp", port)
		if err != nil {
			return "", err
		}
		port = strconv.Itoa(p)
	}
	addrs := make([]string, len(hosts))
	for i, h := range hosts {
		addrs[i] = net.JoinHostPort(h, port)
	}
	b, err := json.Marshal(addrs)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
