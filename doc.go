// Package codebridge exposes a local coding agent as an A2A task server.
//
// Each incoming task gets its own workspace directory and, after the
// first turn, a backend session that later follow-ups resume. Progress
// is published as an ordered event stream that any number of readers
// can replay and follow.
//
// # Quick Start
//
// Install:
//
//	go install github.com/kadirpekel/codebridge/cmd/codebridge@latest
//
// Serve with the claude CLI on the default port:
//
//	codebridge serve --model claude-sonnet-4-5
//
// Or try it without the CLI:
//
//	codebridge serve --backend echo
//	curl -X POST localhost:9100/tasks -d '{"description":"add 2 and 2"}'
//	curl localhost:9100/tasks/<id>/events
//
// # Configuration
//
// Everything the flags set can also come from a YAML file:
//
//	server:
//	  port: 9100
//	  tasks:
//	    backend: sql
//	    database: default
//	bridge:
//	  backend: claude
//	  turn_timeout: 15m
//	databases:
//	  default:
//	    driver: sqlite
//	    database: ./codebridge.db
//
//	codebridge serve --config codebridge.yaml
//
// Packages:
//   - pkg/server: task server, REST/SSE and A2A surfaces
//   - pkg/executor: runs one backend turn per message
//   - pkg/workspace, pkg/session: per-task directories and sessions
//   - pkg/backend: the claude CLI, remote A2A and scripted backends
package codebridge
