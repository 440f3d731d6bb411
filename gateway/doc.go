// Package gateway serves the bridge's HTTP surface.
//
// The control panel talks to the bridge over a handful of routes:
//
//	POST /initialize-serial-port      open the exoskeleton's serial port
//	POST /close-serial-port           close it
//	GET  /serial-port                 port state and counters
//	POST /hmi-button-click            write {mode;action;content;} to the port
//	GET  /telemetry/latest            last telemetry object received
//	POST /plans                       store a plan for a user
//	GET  /plans/{userId}              latest plan for a user
//	POST /exercise-data               store a post-session report
//	GET  /exercise-data/{userId}      reports in a created_at range
//	GET  /exercise-data/id/{id}       one report
//	GET  /health                      aggregated component health
//
// The realtime websocket hub is mounted on the same router at its configured
// path. Serial routes answer with plain text, record routes with JSON bodies
// shaped the way the panel already expects.
package gateway
