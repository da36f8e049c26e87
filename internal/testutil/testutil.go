// Package testutil provides shared test helpers and dump fixtures.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// SampleUUID is the proximity UUID carried by the sample fob fixtures.
const SampleUUID = "e2c56db5-dffb-48d2-b060-d0f5a71096e0"

// SampleDump is hcidump --raw output for one iBeacon report from SampleUUID
// with Major 1, Minor 2, Power -59 and RSSI -72.
var SampleDump = []string{
	"> 04 3E 2A 02 01 00 00 02 00 01 00 5C C0 1E 02 01 06 1A FF 4C",
	"  00 02 15 E2 C5 6D B5 DF FB 48 D2 B0 60 D0 F5 A7 10 96 E0 00",
	"  01 00 02 C5 B8",
}

// ShortDump is a well formed 30 byte report that is too short to be an
// iBeacon advertisement.
var ShortDump = []string{
	"> 04 3E 1B 02 01 00 00 9A 4B 21 6F 3C D8 0F 02 01 06 0B 09 4B",
	"  65 74 74 6C 65 2D 30 30 31 AE",
}

// UnmarkedShortDump is a 30 byte report whose only AD structure is a device
// name, so it lacks both the iBeacon length and the 02 01 flags marker at
// bytes 14 and 15.
var UnmarkedShortDump = []string{
	"> 04 3E 1B 02 01 00 00 9A 4B 21 6F 3C D8 0F 0E 09 4B 65 74 74",
	"  6C 65 2D 30 30 31 2D 41 42 AE",
}

// DumpText joins dump lines into newline terminated text suitable for an
// io.Reader source. trailer is appended so the last packet is closed.
func DumpText(trailer string, dumps ...[]string) string {
	var sb strings.Builder
	for _, d := range dumps {
		for _, l := range d {
			sb.WriteString(l)
			sb.WriteByte('\n')
		}
	}
	if trailer != "" {
		sb.WriteString(trailer)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t testing.TB, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// NewTestRequest creates a test HTTP request.
func NewTestRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

// NewTestRecorder creates a test response recorder.
func NewTestRecorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}

// DecodeJSON unmarshals a recorded response body into v.
func DecodeJSON(t testing.TB, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode response body %q: %v", w.Body.String(), err)
	}
}
