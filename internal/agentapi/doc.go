// Package agentapi is the HTTP client for the remote agent API's
// request/response endpoints, with bearer auth and a one-shot 401
// refresh-and-retry. Streaming turns live in the stream package.
package agentapi
