package webserver

import (
	"fmt"
	"strings"

	"github.com/hashicorp/mdns"
)

const mdnsServiceType = "_iterate._tcp"

// mdnsTXT lists the TXT records announced for a daemon.
func mdnsTXT(project, url string) []string {
	return []string{
		fmt.Sprintf("project=%s", project),
		fmt.Sprintf("url=%s", url),
	}
}

// Advertise announces the daemon on the local network. The caller shuts the
// returned server down.
func Advertise(projectName string, port int, url string) (*mdns.Server, error) {
	if port <= 0 {
		return nil, fmt.Errorf("invalid port for mDNS advertisement: %d", port)
	}
	name := strings.TrimSpace(projectName)
	if name == "" {
		name = "iterate"
	}
	service, err := mdns.NewMDNSService(name, mdnsServiceType, "local", "", port, nil, mdnsTXT(name, url))
	if err != nil {
		return nil, err
	}
	return mdns.NewServer(&mdns.Config{
		Zone: service,
	})
}
