// Package api hosts the ops HTTP server that runs alongside the bot.
// Notable routes:
//   - GET /healthz and /readyz for container probes; readiness follows the
//     chat gateway connection.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/archive to run one archive request outside of chat.
package api
