package mqtt

import (
	"testing"
)

func TestDispatch_CaptureCommand(t *testing.T) {
	tests := []struct {
		name    string
		start   bool
		payload string
		want    bool
		sets    int
	}{
		{"turn on", false, "ON", true, 1},
		{"turn off", true, "OFF", false, 1},
		{"boolean spelling", false, " true ", true, 1},
		{"numeric off", true, "0", false, 1},
		{"garbage ignored", true, "maybe", true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			capture := &fakeCapture{on: tt.start}
			p := New(testConfig(), "id", nil, &fakeStats{}, capture, nil)

			if !p.dispatch("botodachi/den-tv/capture/set", []byte(tt.payload)) {
				t.Fatal("dispatch dropped the command")
			}
			if capture.on != tt.want || capture.sets != tt.sets {
				t.Errorf("capture = %v after %d sets, want %v after %d", capture.on, capture.sets, tt.want, tt.sets)
			}
		})
	}
}

func TestDispatch_SetFailureKeepsState(t *testing.T) {
	capture := &fakeCapture{setErr: errPrefs}
	p := New(testConfig(), "id", nil, &fakeStats{}, capture, nil)

	p.dispatch(p.topics.command("capture"), []byte("ON"))
	if capture.on {
		t.Error("capture changed despite a store failure")
	}
}

func TestDispatch_UnknownTopic(t *testing.T) {
	capture := &fakeCapture{}
	p := New(testConfig(), "id", nil, &fakeStats{}, capture, nil)

	if p.dispatch("botodachi/den-tv/other/set", []byte("ON")) {
		t.Error("unknown topic reported as handled")
	}
	if capture.sets != 0 {
		t.Error("unknown topic reached the capture handler")
	}
}

func TestDispatch_RateLimited(t *testing.T) {
	capture := &fakeCapture{}
	p := New(testConfig(), "id", nil, &fakeStats{}, capture, nil)

	handled := 0
	for range commandsPerMinute + 5 {
		if p.dispatch(p.topics.command("capture"), []byte("ON")) {
			handled++
		}
	}
	if handled != commandsPerMinute || capture.sets != commandsPerMinute {
		t.Errorf("handled %d (sets %d), want %d", handled, capture.sets, commandsPerMinute)
	}
	if got := p.commands.dropped.Load(); got != 5 {
		t.Errorf("dropped = %d, want 5", got)
	}
}

func TestParseSwitch(t *testing.T) {
	tests := []struct {
		in     string
		on, ok bool
	}{
		{"ON", true, true},
		{"on", true, true},
		{"1", true, true},
		{"OFF", false, true},
		{"False", false, true},
		{"", false, false},
		{"toggle", false, false},
	}
	for _, tt := range tests {
		on, ok := parseSwitch([]byte(tt.in))
		if on != tt.on || ok != tt.ok {
			t.Errorf("parseSwitch(%q) = %v, %v; want %v, %v", tt.in, on, ok, tt.on, tt.ok)
		}
	}
}
