// ABOUTME: Build identification for the client
// ABOUTME: Reported to the server in the hello message
package version

// Version is the client version; overridden at build time with -ldflags -X
var Version = "0.17.1"

// Product is the default client name announced to the server
const Product = "Snapclient-Go"
