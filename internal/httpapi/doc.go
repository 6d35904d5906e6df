// Package httpapi exposes preferences, notifications and health over HTTP.
//
// Every JSON response carries a status field except the two read endpoints
// that return stored documents verbatim, which keeps existing clients working.
package httpapi
