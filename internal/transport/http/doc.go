// Package http contains the HTTP transport: request binding and validation,
// response shaping, and the chi routers for the license API and health
// endpoints. Handlers translate between the wire format and the services
// layer and never touch the store directly.
package http
