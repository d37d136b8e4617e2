package relaywire

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseEventPacketWithAckID(t *testing.T) {
	pkt, err := parseEventPacket(`213["login",{"username":"alice","password":"pw"}]`)
	if err != nil {
		t.Fatalf("parseEventPacket: %v", err)
	}
	if pkt.Event != "login" {
		t.Fatalf("expected event login, got %q", pkt.Event)
	}
	if pkt.ID == nil || *pkt.ID != 13 {
		t.Fatalf("expected ack id 13, got %v", pkt.ID)
	}
	if len(pkt.Args) != 1 {
		t.Fatalf("expected one arg, got %d", len(pkt.Args))
	}

	var body struct {
		Username string `json:"username"`
	}
	if err := json.Unmarshal(pkt.Args[0], &body); err != nil || body.Username != "alice" {
		t.Fatalf("unexpected arg: %s", pkt.Args[0])
	}
}

func TestParseEventPacketWithoutAckID(t *testing.T) {
	pkt, err := parseEventPacket(`2["client-info",{"device":"phone"}]`)
	if err != nil {
		t.Fatalf("parseEventPacket: %v", err)
	}
	if pkt.ID != nil {
		t.Fatalf("expected no ack id, got %d", *pkt.ID)
	}
	if pkt.Event != "client-info" {
		t.Fatalf("expected event client-info, got %q", pkt.Event)
	}
}

func TestParseEventPacketNamespace(t *testing.T) {
	pkt, err := parseEventPacket(`2/admin,5["ping"]`)
	if err != nil {
		t.Fatalf("parseEventPacket: %v", err)
	}
	if pkt.Namespace != "/admin" {
		t.Fatalf("expected namespace /admin, got %q", pkt.Namespace)
	}
	if pkt.ID == nil || *pkt.ID != 5 {
		t.Fatalf("expected ack id 5, got %v", pkt.ID)
	}
}

func TestParseEventPacketRejectsGarbage(t *testing.T) {
	for _, payload := range []string{
		"",
		`3[]`,            // ack, not event
		`2not-json`,      // no array
		`2[]`,            // missing event name
		`2[42]`,          // non-string event name
		`2[{"a":1}`,      // truncated
	} {
		if _, err := parseEventPacket(payload); err == nil {
			t.Fatalf("expected error for %q", payload)
		}
	}
}

func TestBuildEventPacketRoundTrip(t *testing.T) {
	out, err := buildEventPacket("ai-response", map[string]any{"image": "abc"})
	if err != nil {
		t.Fatalf("buildEventPacket: %v", err)
	}
	pkt, err := parseEventPacket(out)
	if err != nil {
		t.Fatalf("parseEventPacket: %v", err)
	}
	if pkt.Event != "ai-response" || len(pkt.Args) != 1 {
		t.Fatalf("round trip lost data: %+v", pkt)
	}
}

func TestBuildAckPacket(t *testing.T) {
	out, err := buildAckPacket(7, map[string]any{"success": true})
	if err != nil {
		t.Fatalf("buildAckPacket: %v", err)
	}
	if !strings.HasPrefix(out, "37[") {
		t.Fatalf("unexpected ack framing: %s", out)
	}

	out, err = buildAckPacket(3)
	if err != nil {
		t.Fatalf("buildAckPacket: %v", err)
	}
	if out != "33[]" {
		t.Fatalf("empty ack should carry an empty array, got %s", out)
	}
}

func TestBuildConnectPacket(t *testing.T) {
	out, err := buildConnectPacket("sid-1")
	if err != nil {
		t.Fatalf("buildConnectPacket: %v", err)
	}
	if out != `0{"sid":"sid-1"}` {
		t.Fatalf("unexpected connect packet: %s", out)
	}
}
