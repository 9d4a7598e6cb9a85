// Package websocket provides real-time run event streaming via WebSocket.
//
// Clients connect to /api/v1/workflows/:id/ws and receive every run event
// of that workflow as a JSON text message. The stream ends after the run's
// final event.
package websocket
