/*
Package engine provides a native HTTP and WebSocket dispatch core for
handler logic owned by an embedding host layer.

The engine owns the network: listeners, connection lifecycle, protocol
parsing, routing, worker scheduling, and response writing. The embedder
owns the handlers: it registers callables against routes and the engine
guarantees that no two callables ever run at the same time, while
connection and protocol work stays fully parallel.

Features

  - Incremental HTTP/1.1 parsing with strict header and body limits
  - RFC 6455 WebSocket framing, sessions, channels, and broadcast
  - Radix-tree routing with :param and *wildcard segments, 404/405
    distinguished, conflicts rejected at registration
  - Bounded worker pool with FIFO dispatch and read-loop backpressure
  - Serialized host execution: sync handlers under a single lock, async
    handlers on a dedicated run loop pinned to one OS thread
  - Per-request timeouts (504), panic isolation (500), error capture
  - Per-connection response ordering, with optional bounded pipelining
  - Graceful shutdown: stop accepting, drain in-flight work, close
    WebSocket sessions, then terminate
  - Prometheus metrics and OpenTelemetry spans around handler calls
  - Optional h2c ingress sharing the same dispatch pipeline

Quick Start

	package main

	import (
	    "context"
	    "log"

	    "github.com/pyfast/engine/app"
	    "github.com/pyfast/engine/config"
	    "github.com/pyfast/engine/core/http"
	)

	func main() {
	    application, err := app.New(config.Default())
	    if err != nil {
	        log.Fatal(err)
	    }

	    eng := application.Engine()
	    eng.GET("/hello", func(ctx context.Context, req *http.Request) (any, error) {
	        return "Hello, World!", nil
	    })
	    eng.GET("/users/:id", func(ctx context.Context, req *http.Request) (any, error) {
	        return map[string]string{"id": req.Param("id")}, nil
	    })

	    if err := application.Run(); err != nil {
	        log.Fatal(err)
	    }
	}

Modules

  - app: application lifecycle (construct, run until signal, drain)
  - config: defaults, validation, PYFAST_ environment overrides
  - core: engine wiring, acceptor, connection loops, registry
  - core/http: HTTP/1.1 parser, encoder, request/response types
  - core/router: method-aware radix-tree routing
  - core/scheduler: bounded worker pool
  - core/hostbridge: serialized host callable invocation and codecs
  - core/websocket: frame codec, sessions, hub
  - core/http2: h2c ingress adapter
  - core/middleware: dispatch middleware chain
  - core/metrics: Prometheus instrumentation
  - core/pools: tiered byte buffer pooling
  - core/netutil: accepted-socket tuning

The cmd/pyfast-engine binary runs the engine standalone with flag and
environment configuration; see its serve command for the full option
set.
*/
package engine
