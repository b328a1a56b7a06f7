package ingest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dogwalk-tracking/internal/tracking"
	"github.com/gofiber/fiber/v2"
)

func newIngestApp(acc Acceptor) *fiber.App {
	app := fiber.New()
	a := newTestAdapter(acc)
	RegisterRoutes(app.Group("/tracking"), a, func(c *fiber.Ctx) error { return c.Next() })
	return app
}

func postPoint(t *testing.T, app *fiber.App, sessionID, body string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/tracking/"+sessionID+"/location", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return resp
}

func TestLocationEndpointAccepts(t *testing.T) {
	acc := &fakeAcceptor{}
	app := newIngestApp(acc)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Format(time.RFC3339)
	body := `{"latitude":52.5,"longitude":13.4,"timestamp":"` + ts + `"}`

	resp := postPoint(t, app, "walk-1", body)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if acc.sessionID != "walk-1" {
		t.Fatalf("session from path not applied, got %q", acc.sessionID)
	}
}

func TestBatchEndpoint(t *testing.T) {
	acc := &fakeAcceptor{}
	app := newIngestApp(acc)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Format(time.RFC3339)
	body := `[{"latitude":1,"longitude":2,"timestamp":"` + ts + `"},{"latitude":99,"longitude":2,"timestamp":"` + ts + `"}]`

	req := httptest.NewRequest(http.MethodPost, "/tracking/walk-1/location/batch", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	var counts struct {
		Accepted int `json:"accepted"`
		Rejected int `json:"rejected"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&counts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if counts.Accepted != 1 || counts.Rejected != 1 {
		t.Fatalf("unexpected counts %+v", counts)
	}

	req = httptest.NewRequest(http.MethodPost, "/tracking/walk-1/location/batch", strings.NewReader(`{"not":"an array"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, _ = app.Test(req)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed envelope, got %d", resp.StatusCode)
	}
}

func TestLocationEndpointStatusMapping(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Format(time.RFC3339)
	valid := `{"latitude":52.5,"longitude":13.4,"timestamp":"` + ts + `"}`

	cases := []struct {
		name   string
		accErr error
		body   string
		status int
	}{
		{"malformed body", nil, `{"latitude":`, http.StatusBadRequest},
		{"unknown session", tracking.ErrSessionNotFound, valid, http.StatusNotFound},
		{"pending session", tracking.ErrSessionNotActive, valid, http.StatusConflict},
		{"stale point", tracking.ErrStalePoint, valid, http.StatusConflict},
	}

	for _, tc := range cases {
		app := newIngestApp(&fakeAcceptor{err: tc.accErr})
		resp := postPoint(t, app, "walk-1", tc.body)
		if resp.StatusCode != tc.status {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.status, resp.StatusCode)
		}
	}
}
