// Package api hosts the operations HTTP surface of the counter service:
// health checks, Prometheus metrics and the event hook used by the database
// trigger to apply a child write synchronously.
package api
