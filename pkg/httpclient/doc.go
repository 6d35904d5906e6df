// Package httpclient is the JSON HTTP client notifyd uses for outbound calls:
// the users service display-name lookup and the HTTP email provider.
package httpclient
