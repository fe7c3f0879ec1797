// Package portmap implements best-effort UPnP/IGD port forwarding: SSDP
// discovery of an Internet Gateway Device followed by SOAP
// AddPortMapping/DeletePortMapping calls. Every failure here is returned to
// the caller as an error and none of them is fatal; a host that can't
// forward its port still runs, it just isn't reachable from outside the LAN.
package portmap

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DiscoveryTimeout bounds how long SSDP discovery waits for a gateway to
// respond.
const DiscoveryTimeout = 2 * time.Second

const ssdpAddr = "239.255.255.250:1900"

const searchTarget = "urn:schemas-upnp-org:device:InternetGatewayDevice:1"

// Mapper holds the IGD control URL discovered once, so Remove doesn't need
// to rediscover it.
type Mapper struct {
	log        *zap.Logger
	controlURL string
	serviceType string
	client     *http.Client
}

// Discover performs SSDP discovery and, on success, locates the IGD's
// WANIPConnection (or WANPPPConnection) control URL. It returns a nil
// Mapper and no error if nothing was found within DiscoveryTimeout; callers
// should treat that as "no UPnP available here", not a fatal condition.
func Discover(log *zap.Logger) (*Mapper, error) {
	if log == nil {
		log = zap.NewNop()
	}

	location, err := ssdpSearch()
	if err != nil {
		return nil, fmt.Errorf("portmap: ssdp search: %w", err)
	}
	if location == "" {
		log.Info("portmap: no IGD responded to discovery")
		return nil, nil
	}

	controlURL, serviceType, err := fetchControlURL(location)
	if err != nil {
		return nil, fmt.Errorf("portmap: read device description: %w", err)
	}

	log.Info("portmap: IGD found", zap.String("control_url", controlURL), zap.String("service", serviceType))
	return &Mapper{log: log, controlURL: controlURL, serviceType: serviceType, client: &http.Client{Timeout: DiscoveryTimeout}}, nil
}

func ssdpSearch() (string, error) {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	raddr, err := net.ResolveUDPAddr("udp4", ssdpAddr)
	if err != nil {
		return "", err
	}

	req := "M-SEARCH * HTTP/1.1\r\n" +
		"HOST: " + ssdpAddr + "\r\n" +
		"MAN: \"ssdp:discover\"\r\n" +
		"MX: 2\r\n" +
		"ST: " + searchTarget + "\r\n\r\n"

	if _, err := conn.WriteTo([]byte(req), raddr); err != nil {
		return "", err
	}

	conn.SetReadDeadline(time.Now().Add(DiscoveryTimeout))
	buf := make([]byte, 2048)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return "", nil // timeout: no responder, not an error
		}
		loc := parseLocation(string(buf[:n]))
		if loc != "" {
			return loc, nil
		}
	}
}

func parseLocation(resp string) string {
	for _, line := range strings.Split(resp, "\r\n") {
		if strings.HasPrefix(strings.ToUpper(line), "LOCATION:") {
			return strings.TrimSpace(line[len("LOCATION:"):])
		}
	}
	return ""
}

type deviceDesc struct {
	Device struct {
		DeviceList struct {
			Device struct {
				DeviceList struct {
					Device struct {
						ServiceList struct {
							Service []serviceDesc `xml:"service"`
						} `xml:"serviceList"`
					} `xml:"device"`
				} `xml:"deviceList"`
			} `xml:"device"`
		} `xml:"deviceList"`
		ServiceList struct {
			Service []serviceDesc `xml:"service"`
		} `xml:"serviceList"`
	} `xml:"device"`
}

type serviceDesc struct {
	ServiceType string `xml:"serviceType"`
	ControlURL  string `xml:"controlURL"`
}

func fetchControlURL(location string) (controlURL, serviceType string, err error) {
	resp, err := http.Get(location)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	var desc deviceDesc
	if err := xml.NewDecoder(resp.Body).Decode(&desc); err != nil {
		return "", "", err
	}

	candidates := append(
		desc.Device.ServiceList.Service,
		desc.Device.DeviceList.Device.DeviceList.Device.ServiceList.Service...,
	)
	for _, svc := range candidates {
		if strings.Contains(svc.ServiceType, "WANIPConnection") || strings.Contains(svc.ServiceType, "WANPPPConnection") {
			base, perr := baseOf(location)
			if perr != nil {
				return "", "", perr
			}
			return base + svc.ControlURL, svc.ServiceType, nil
		}
	}
	return "", "", fmt.Errorf("portmap: no WANIPConnection/WANPPPConnection service in device description")
}

func baseOf(location string) (string, error) {
	idx := strings.Index(location[len("http://"):], "/")
	if idx < 0 {
		return location, nil
	}
	return location[:len("http://")+idx], nil
}

// AddPortMapping requests a UDP port mapping from the discovered IGD to
// this machine's LAN address. It is a no-op returning nil if m is nil.
func (m *Mapper) AddPortMapping(ctx context.Context, port int, description string) error {
	if m == nil {
		return nil
	}

	localIP, err := localAddrFor(m.controlURL)
	if err != nil {
		return fmt.Errorf("portmap: determine local address: %w", err)
	}

	body := soapEnvelope(m.serviceType, "AddPortMapping", fmt.Sprintf(
		`<NewRemoteHost></NewRemoteHost><NewExternalPort>%d</NewExternalPort>`+
			`<NewProtocol>UDP</NewProtocol><NewInternalPort>%d</NewInternalPort>`+
			`<NewInternalClient>%s</NewInternalClient><NewEnabled>1</NewEnabled>`+
			`<NewPortMappingDescription>%s</NewPortMappingDescription><NewLeaseDuration>0</NewLeaseDuration>`,
		port, port, localIP, description))

	if err := m.soapCall(ctx, "AddPortMapping", body); err != nil {
		return fmt.Errorf("portmap: AddPortMapping: %w", err)
	}
	m.log.Info("portmap: port forwarded", zap.Int("port", port), zap.String("to", localIP))
	return nil
}

// RemovePortMapping removes a previously added mapping. A no-op if m is
// nil.
func (m *Mapper) RemovePortMapping(ctx context.Context, port int) error {
	if m == nil {
		return nil
	}

	body := soapEnvelope(m.serviceType, "DeletePortMapping", fmt.Sprintf(
		`<NewRemoteHost></NewRemoteHost><NewExternalPort>%d</NewExternalPort><NewProtocol>UDP</NewProtocol>`,
		port))

	if err := m.soapCall(ctx, "DeletePortMapping", body); err != nil {
		return fmt.Errorf("portmap: DeletePortMapping: %w", err)
	}
	m.log.Info("portmap: port mapping removed", zap.Int("port", port))
	return nil
}

func soapEnvelope(serviceType, action, args string) string {
	return fmt.Sprintf(`<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">
<s:Body><u:%s xmlns:u="%s">%s</u:%s></s:Body></s:Envelope>`, action, serviceType, args, action)
}

func (m *Mapper) soapCall(ctx context.Context, action, body string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.controlURL, bytes.NewReader([]byte(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPAction", fmt.Sprintf(`"%s#%s"`, m.serviceType, action))

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}
	return nil
}

func localAddrFor(controlURL string) (string, error) {
	u := strings.TrimPrefix(controlURL, "http://")
	host := u
	if idx := strings.Index(u, "/"); idx >= 0 {
		host = u[:idx]
	}
	conn, err := net.Dial("udp", host)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
