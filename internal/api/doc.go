// Package api exposes the scrape engine over HTTP: batch submission, a
// server-sent-events progress stream per task, export downloads and task
// status, plus health and metrics endpoints.
package api
