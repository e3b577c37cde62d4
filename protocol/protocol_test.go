package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestDecodeOrder(t *testing.T) {
	data := []byte(`{"base":{"lat":52.0,"lon":21.0,"alt":30},"addr1":{"lat":52.1,"lon":21.1,"alt":30},"addr2":{"lat":52.2,"lon":21.2},"priority":"high"}`)
	o, err := DecodeOrder(data)
	if err != nil {
		t.Fatalf("DecodeOrder: %v", err)
	}
	if o.Base.Lat != 52.0 || o.Addr1.Lon != 21.1 {
		t.Errorf("positions = %+v %+v", o.Base, o.Addr1)
	}
	if o.Addr2.Alt != DefaultAltitude {
		t.Errorf("addr2 alt = %v, want default %v", o.Addr2.Alt, DefaultAltitude)
	}
	if o.PayloadKg != DefaultPayloadKg {
		t.Errorf("payload = %v, want %v", o.PayloadKg, DefaultPayloadKg)
	}
	if o.Priority != PriorityHigh {
		t.Errorf("priority = %q", o.Priority)
	}
	if !strings.HasPrefix(o.ID, "ord_") || len(o.ID) != 12 {
		t.Errorf("generated id = %q", o.ID)
	}
}

func TestDecodeOrderFailsClosed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `hello`},
		{"unknown field", `{"base":{"lat":1,"lon":1},"addr1":{"lat":1,"lon":1},"addr2":{"lat":1,"lon":1},"color":"red"}`},
		{"unknown nested field", `{"base":{"lat":1,"lon":1,"x":2},"addr1":{"lat":1,"lon":1},"addr2":{"lat":1,"lon":1}}`},
		{"missing addr2", `{"base":{"lat":1,"lon":1},"addr1":{"lat":1,"lon":1}}`},
		{"missing lon", `{"base":{"lat":1},"addr1":{"lat":1,"lon":1},"addr2":{"lat":1,"lon":1}}`},
		{"lat out of range", `{"base":{"lat":91,"lon":1},"addr1":{"lat":1,"lon":1},"addr2":{"lat":1,"lon":1}}`},
		{"bad priority", `{"base":{"lat":1,"lon":1},"addr1":{"lat":1,"lon":1},"addr2":{"lat":1,"lon":1},"priority":"urgent"}`},
		{"negative payload", `{"base":{"lat":1,"lon":1},"addr1":{"lat":1,"lon":1},"addr2":{"lat":1,"lon":1},"payload_kg":-1}`},
		{"trailing data", `{"base":{"lat":1,"lon":1},"addr1":{"lat":1,"lon":1},"addr2":{"lat":1,"lon":1}} {}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeOrder([]byte(tt.data))
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("err = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestDecodeCommandVariants(t *testing.T) {
	cmd, err := DecodeCommand(ActionGoto, []byte(`{"mission_id":"mis_1","lat":52.1,"lon":21.1,"alt":30,"hold_s":3}`))
	if err != nil {
		t.Fatalf("DecodeCommand goto: %v", err)
	}
	g, ok := cmd.(GotoCommand)
	if !ok {
		t.Fatalf("type = %T, want GotoCommand", cmd)
	}
	if g.Lat != 52.1 || g.HoldS != 3 || g.Mission() != "mis_1" {
		t.Errorf("goto = %+v", g)
	}

	cmd, err = DecodeCommand(ActionUpload, []byte(`{"mission_id":"mis_1","waypoints":[{"seq":0,"kind":"HOME","lat":1,"lon":1,"alt":30,"hold_s":0}]}`))
	if err != nil {
		t.Fatalf("DecodeCommand upload: %v", err)
	}
	if up := cmd.(UploadCommand); up.Waypoints[0].Kind != KindTakeoff {
		t.Errorf("alias kind = %q, want TAKEOFF", up.Waypoints[0].Kind)
	}

	if _, err := DecodeCommand(ActionArm, []byte(`{"mission_id":"mis_1","force":true}`)); !errors.Is(err, ErrMalformed) {
		t.Errorf("unknown field err = %v", err)
	}
	if _, err := DecodeCommand(ActionLand, []byte(`{}`)); !errors.Is(err, ErrMalformed) {
		t.Errorf("missing mission err = %v", err)
	}
	if _, err := DecodeCommand(Action("selfdestruct"), []byte(`{"mission_id":"x"}`)); !errors.Is(err, ErrMalformed) {
		t.Errorf("unknown action err = %v", err)
	}
}

func TestCommandRoundTrip(t *testing.T) {
	want := TakeoffCommand{MissionID: "mis_abc", Alt: 30}
	data, err := Encode(want)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeCommand(want.Action(), data)
	if err != nil {
		t.Fatalf("DecodeCommand: %v", err)
	}
	if got != Command(want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestDecodeTelemetry(t *testing.T) {
	tel, err := DecodeTelemetry(TelemetryPose, []byte(`{"lat":52.1,"lon":21.1,"abs_alt_m":130.5,"rel_alt_m":30.2,"ts":1700000000.5}`))
	if err != nil {
		t.Fatalf("pose: %v", err)
	}
	if p := tel.(Pose); p.Altitude() != 130.5 {
		t.Errorf("altitude = %v", p.Altitude())
	}

	tel, err = DecodeTelemetry(TelemetryBattery, []byte(`{"soc":87.5}`))
	if err != nil {
		t.Fatalf("battery: %v", err)
	}
	if b := tel.(Battery); b.SoC != 87.5 {
		t.Errorf("soc = %v", b.SoC)
	}

	tel, err = DecodeTelemetry(TelemetryStatus, []byte(`{"armed":true,"ts":1}`))
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if s := tel.(Status); s.Armed == nil || !*s.Armed {
		t.Errorf("armed = %v", s.Armed)
	}

	bad := []struct {
		kind TelemetryKind
		data string
	}{
		{TelemetryPose, `{"lat":52.1}`},
		{TelemetryPose, `{"lat":52.1,"lon":21.1,"speed":3}`},
		{TelemetryBattery, `{"soc":140}`},
		{TelemetryBattery, `{}`},
		{TelemetryHealth, `{"online":true}`},
		{TelemetryStatus, `{"ts":1}`},
		{TelemetryKind("gps"), `{}`},
	}
	for _, b := range bad {
		if _, err := DecodeTelemetry(b.kind, []byte(b.data)); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s %s: err = %v, want ErrMalformed", b.kind, b.data, err)
		}
	}
}

func TestDecodePresence(t *testing.T) {
	p, err := DecodePresence([]byte(`{"id":"1","name":"veh_1","status":"IDLE","lat":52.0,"lon":21.0,"alt":120}`))
	if err != nil {
		t.Fatalf("DecodePresence: %v", err)
	}
	if p.ID != "1" || p.Name != "veh_1" || p.Status != VehicleIdle || p.Alt != 120 {
		t.Errorf("presence = %+v", p)
	}
	p, err = DecodePresence([]byte(`{"id":"2","status":"FLYING","lat":1,"lon":2}`))
	if err != nil {
		t.Fatalf("DecodePresence: %v", err)
	}
	if p.Status != VehicleBusy {
		t.Errorf("FLYING should map to BUSY, got %q", p.Status)
	}
	if _, err := DecodePresence([]byte(`{"name":"x","lat":1,"lon":2}`)); !errors.Is(err, ErrMalformed) {
		t.Errorf("missing id err = %v", err)
	}
	if _, err := DecodePresence([]byte(`{"id":"3","status":"SLEEPING","lat":1,"lon":2}`)); !errors.Is(err, ErrMalformed) {
		t.Errorf("bad status err = %v", err)
	}
}

func TestDecodeAck(t *testing.T) {
	a, err := DecodeAck([]byte(`{"mission_id":"mis_1","action":"arm","ok":false,"detail":"prearm check"}`))
	if err != nil {
		t.Fatalf("DecodeAck: %v", err)
	}
	if a.Action != ActionArm || a.OK || a.Detail != "prearm check" {
		t.Errorf("ack = %+v", a)
	}
	if _, err := DecodeAck([]byte(`{"mission_id":"mis_1","action":"arm"}`)); !errors.Is(err, ErrMalformed) {
		t.Errorf("missing ok err = %v", err)
	}
}

func TestStatusEventRoundTrip(t *testing.T) {
	data, _ := json.Marshal(StatusEvent{MissionID: "mis_1", Status: MissionInProgress})
	ev, err := DecodeStatusEvent(data)
	if err != nil {
		t.Fatalf("DecodeStatusEvent: %v", err)
	}
	if ev.Status != MissionInProgress || ev.MissionID != "mis_1" {
		t.Errorf("event = %+v", ev)
	}
}

func TestTopics(t *testing.T) {
	if got := CommandTopic("veh_1", ActionUpload); got != "cmd/veh_1/mission.upload" {
		t.Errorf("CommandTopic = %q", got)
	}
	if got := MissionTopic("mis_1", EventAssigned); got != "mission/mis_1/assigned" {
		t.Errorf("MissionTopic = %q", got)
	}
	veh, kind, err := ParseTelemetryTopic("telem/veh_1/battery")
	if err != nil || veh != "veh_1" || kind != TelemetryBattery {
		t.Errorf("ParseTelemetryTopic = %q %q %v", veh, kind, err)
	}
	if _, _, err := ParseTelemetryTopic("telem/veh_1/battery/extra"); err == nil {
		t.Error("expected error for extra segment")
	}
	if _, _, err := ParseTelemetryTopic("telem/veh_1/gps"); err == nil {
		t.Error("expected error for unknown kind")
	}
	veh, a, err := ParseAckTopic("ack/veh_2/takeoff")
	if err != nil || veh != "veh_2" || a != ActionTakeoff {
		t.Errorf("ParseAckTopic = %q %q %v", veh, a, err)
	}
}

func TestMissionStatusTerminal(t *testing.T) {
	for _, s := range []MissionStatus{MissionCompleted, MissionAborted} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	if MissionInProgress.IsTerminal() {
		t.Error("IN_PROGRESS should not be terminal")
	}
}
