package portmap

import (
	"context"
	"strings"
	"testing"
)

func TestParseLocation(t *testing.T) {
	resp := "HTTP/1.1 200 OK\r\n" +
		"CACHE-CONTROL: max-age=1800\r\n" +
		"LOCATION: http://192.168.1.1:5000/rootDesc.xml\r\n" +
		"ST: urn:schemas-upnp-org:device:InternetGatewayDevice:1\r\n\r\n"

	got := parseLocation(resp)
	want := "http://192.168.1.1:5000/rootDesc.xml"
	if got != want {
		t.Fatalf("parseLocation = %q, want %q", got, want)
	}
}

func TestParseLocationMissing(t *testing.T) {
	if got := parseLocation("HTTP/1.1 200 OK\r\n\r\n"); got != "" {
		t.Fatalf("parseLocation = %q, want empty", got)
	}
}

func TestBaseOf(t *testing.T) {
	base, err := baseOf("http://192.168.1.1:5000/rootDesc.xml")
	if err != nil {
		t.Fatalf("baseOf: %v", err)
	}
	if base != "http://192.168.1.1:5000" {
		t.Fatalf("baseOf = %q, want %q", base, "http://192.168.1.1:5000")
	}
}

func TestSoapEnvelopeContainsAction(t *testing.T) {
	env := soapEnvelope("urn:schemas-upnp-org:service:WANIPConnection:1", "AddPortMapping", "<X>1</X>")
	if env == "" {
		t.Fatalf("empty envelope")
	}
	if !strings.Contains(env, "AddPortMapping") || !strings.Contains(env, "WANIPConnection") {
		t.Fatalf("envelope missing expected content: %s", env)
	}
}

func TestNilMapperMethodsAreNoops(t *testing.T) {
	var m *Mapper
	if err := m.AddPortMapping(context.Background(), 1234, "test"); err != nil {
		t.Fatalf("nil Mapper AddPortMapping: %v", err)
	}
	if err := m.RemovePortMapping(context.Background(), 1234); err != nil {
		t.Fatalf("nil Mapper RemovePortMapping: %v", err)
	}
}
