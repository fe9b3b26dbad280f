package envelope

import (
	"bytes"
	"testing"
)

func TestMarshalRoundTrip(t *testing.T) {
	original := Request("Ping", "corr-123", []byte{0xC0, 0x01, 0x02})

	data, err := original.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if decoded.Title != original.Title {
		t.Errorf("Title mismatch: got %s, want %s", decoded.Title, original.Title)
	}
	if decoded.CorrelationID != original.CorrelationID {
		t.Errorf("CorrelationID mismatch: got %s, want %s", decoded.CorrelationID, original.CorrelationID)
	}
	if !bytes.Equal(decoded.Content, original.Content) {
		t.Errorf("Content mismatch: got % X, want % X", decoded.Content, original.Content)
	}
}

func TestEmptyFields(t *testing.T) {
	original := Request("Status", "", nil)
	data, err := original.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Title != "Status" || decoded.CorrelationID != "" || len(decoded.Content) != 0 {
		t.Fatalf("got %+v", decoded)
	}
}

func TestResponseTitle(t *testing.T) {
	req := Request("GetTelemetry", "abc", nil)
	resp := Response(req, []byte{0xC0})

	if resp.Title != "GetTelemetry_response" {
		t.Errorf("Title: got %s", resp.Title)
	}
	if resp.CorrelationID != "abc" {
		t.Errorf("CorrelationID not echoed: got %s", resp.CorrelationID)
	}
	if !resp.IsResponse() {
		t.Errorf("IsResponse should be true")
	}
	if resp.Command() != "GetTelemetry" {
		t.Errorf("Command: got %s", resp.Command())
	}
	if req.IsResponse() {
		t.Errorf("request misread as response")
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	valid, _ := Request("Ping", "", []byte{1}).Marshal()

	cases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short", []byte{0x6D, 0x72}},
		{"bad magic", append([]byte{'x', 'y', 'z'}, valid[3:]...)},
		{"bad version", func() []byte {
			d := append([]byte(nil), valid...)
			d[3] = 0x7F
			return d
		}()},
		{"truncated content", valid[:len(valid)-1]},
		{"trailing bytes", append(append([]byte(nil), valid...), 0x00)},
	}
	for _, tc := range cases {
		if _, err := Unmarshal(tc.data); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}
