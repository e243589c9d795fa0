// Copyright 2026 The Autopeer Authors
// SPDX-License-Identifier: Apache-2.0

// Package wgconfig renders WireGuard and BIRD configuration for
// peering records. The remote-side renderings are shown to peers by
// the shell's peer_config command; the local-side renderings are
// written to disk by the generator so the tunnel and BGP daemons can
// pick them up.
package wgconfig

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/autopeer-foundation/autopeer/lib/peering"
)

// Params carries the portal-side identity needed to render either end
// of a tunnel.
type Params struct {
	// LocalASN is the portal operator's autonomous system number.
	LocalASN uint32

	// ServerName is the public endpoint peers connect their tunnels
	// to.
	ServerName string

	// PublicKey is the portal's WireGuard public key.
	PublicKey string

	// PrivateKey is the portal's WireGuard private key. Only needed
	// for local-side rendering; leave empty in the portal daemon.
	PrivateKey string

	// BasePort plus a record's slot id is the portal-side listen port.
	BasePort int

	// LinkLocalPrefix derives the tunnel addresses for a slot.
	LinkLocalPrefix string
}

// allowedIPs is the dn42 address space routed over every tunnel.
const allowedIPs = "172.16.0.0/12, 10.0.0.0/8, fd00::/8, fe80::/10"

var remoteWireGuardTemplate = template.Must(template.New("remote-wireguard").Parse(`[Interface]
PrivateKey = **REPLACEME**
ListenPort = {{.PeerPort}}
PostUp = /sbin/ip addr add dev %i {{.PeerLinkLocal}}/128 peer {{.LocalLinkLocal}}/128
Table = off

[Peer]
PublicKey = {{.LocalPublicKey}}
Endpoint = {{.LocalEndpoint}}:{{.LocalPort}}
PersistentKeepalive = 30
AllowedIPs = ` + allowedIPs + `
`))

var remoteBirdTemplate = template.Must(template.New("remote-bird").Parse(`protocol bgp flipflap {
    local as {{.PeerASN}};
    neighbor {{.LocalLinkLocal}} as {{.LocalASN}};
    path metric 1;
    interface "wg-peer-flipflap";
    ipv4 {
        extended next hop on;
        import limit 9000 action block;
        import table;
    };

    ipv6 {
        extended next hop off;
        import limit 9000 action block;
        import table;
    };
}
`))

var localWireGuardTemplate = template.Must(template.New("local-wireguard").Parse(`[Interface]
PrivateKey = {{.LocalPrivateKey}}
ListenPort = {{.LocalPort}}
PostUp = /sbin/ip addr add dev %i {{.LocalLinkLocal}}/128 peer {{.PeerLinkLocal}}/128
Table = off

[Peer]
PublicKey = {{.PeerPublicKey}}
Endpoint = {{.PeerEndpoint}}:{{.PeerPort}}
PersistentKeepalive = 30
AllowedIPs = ` + allowedIPs + `
`))

var localBirdTemplate = template.Must(template.New("local-bird").Parse(`define AS{{.PeerASN}}_LATENCY = {{.LatencyCommunity}};

protocol bgp ebgp_as{{.PeerASN}}_v6 from dnpeers {
    neighbor {{.PeerLinkLocal}} as {{.PeerASN}};
    interface "wg-as{{.PeerASN}}";

    ipv4 {
        import where dn42_import_filter(AS{{.PeerASN}}_LATENCY, BANDWIDTH, LINKTYPE);
        export where dn42_export_filter(AS{{.PeerASN}}_LATENCY, BANDWIDTH, LINKTYPE);
        extended next hop on;
    };

    ipv6 {
        import where dn42_import_filter_v6(AS{{.PeerASN}}_LATENCY, BANDWIDTH, LINKTYPE);
        export where dn42_export_filter_v6(AS{{.PeerASN}}_LATENCY, BANDWIDTH, LINKTYPE);
        extended next hop off;
    };
}
`))

// templateData is the merged view of one peering both templates see.
type templateData struct {
	LocalASN         uint32
	LocalPublicKey   string
	LocalPrivateKey  string
	LocalEndpoint    string
	LocalPort        int
	LocalLinkLocal   string
	PeerASN          uint32
	PeerPublicKey    string
	PeerEndpoint     string
	PeerPort         int
	PeerLinkLocal    string
	LatencyCommunity int
}

func (p Params) data(record peering.Record) templateData {
	return templateData{
		LocalASN:        p.LocalASN,
		LocalPublicKey:  p.PublicKey,
		LocalPrivateKey: p.PrivateKey,
		LocalEndpoint:   p.ServerName,
		LocalPort:       record.LocalListenPort(p.BasePort),
		LocalLinkLocal:  record.LocalLinkLocal(p.LinkLocalPrefix),
		PeerASN:         record.ASN,
		PeerPublicKey:   record.PublicKey,
		PeerEndpoint:    record.EndpointAddress,
		PeerPort:        record.EndpointPort,
		PeerLinkLocal:   record.PeerLinkLocal(p.LinkLocalPrefix),
	}
}

func render(t *template.Template, data templateData) (string, error) {
	var buffer strings.Builder
	if err := t.Execute(&buffer, data); err != nil {
		return "", fmt.Errorf("wgconfig: rendering %s: %w", t.Name(), err)
	}
	return buffer.String(), nil
}

// RemoteWireGuard renders the WireGuard configuration the peer applies
// on their side of the tunnel. The private key is left as a
// placeholder for the peer to fill in.
func (p Params) RemoteWireGuard(record peering.Record) (string, error) {
	return render(remoteWireGuardTemplate, p.data(record))
}

// RemoteBird renders a BIRD session skeleton for the peer's side.
func (p Params) RemoteBird(record peering.Record) (string, error) {
	return render(remoteBirdTemplate, p.data(record))
}

// LocalWireGuard renders the WireGuard configuration for the portal's
// side of the tunnel. Params.PrivateKey must be set.
func (p Params) LocalWireGuard(record peering.Record) (string, error) {
	return render(localWireGuardTemplate, p.data(record))
}

// LocalBird renders the portal-side BIRD session with the measured
// latency community baked into the import/export filters.
func (p Params) LocalBird(record peering.Record, latencyCommunity int) (string, error) {
	data := p.data(record)
	data.LatencyCommunity = latencyCommunity
	return render(localBirdTemplate, data)
}
