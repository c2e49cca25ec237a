// Package api implements the HTTP handlers for the download queue service.
package api
