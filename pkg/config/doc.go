// Package config loads the YAML configuration of a quanta node.
//
// A node file configures the store, the retry protocol, every role's cadence,
// the registrar and the ambient telemetry stack. Absent keys keep their
// defaults:
//
//	node:
//	  identity: node-a
//	  roles: [tick, fuse, assign, aggregate]
//	store:
//	  path: /var/lib/quanta/quanta.db
//	frames:
//	  quantum: 10ms
//	telemetry:
//	  logging:
//	    level: debug
//
// Files are validated with go-playground/validator after defaults are applied.
// Watch follows a file with fsnotify and hands every valid revision to a
// callback; ApplyLogLevel is the usual one, so the log level can be changed
// on a running node.
package config
