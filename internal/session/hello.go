// ABOUTME: Builds the hello announcement for this client
// ABOUTME: Host name, MAC and a stable ID identify the client to the server
package session

import (
	"os"
	"runtime"

	"github.com/Resonate-Protocol/snapcast-go/internal/protocol"
	"github.com/Resonate-Protocol/snapcast-go/internal/version"
	"github.com/google/uuid"
)

// NewHello fills in a hello message. An empty id falls back to the MAC, and
// to a random UUID when there is no MAC either.
func NewHello(clientName string, instance int, id, mac string) protocol.Hello {
	if clientName == "" {
		clientName = version.Product
	}
	if instance < 1 {
		instance = 1
	}
	if mac == "" {
		mac = "00:00:00:00:00:00"
	}
	if id == "" {
		id = mac
		if mac == "00:00:00:00:00:00" {
			id = uuid.New().String()
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	return protocol.Hello{
		Arch:                      runtime.GOARCH,
		ClientName:                clientName,
		HostName:                  hostname,
		ID:                        id,
		Instance:                  instance,
		MAC:                       mac,
		OS:                        runtime.GOOS,
		SnapStreamProtocolVersion: protocol.ProtocolVersion,
		Version:                   version.Version,
	}
}
