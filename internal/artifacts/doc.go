// Package artifacts caches generated-content and analysis results locally
// so they stay readable offline. A background sweeper enforces the
// retention window.
package artifacts
