package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/radiowatch/radiowatch-core/internal/eventbus"
	"github.com/radiowatch/radiowatch-core/internal/infrastructure/config"
	"github.com/radiowatch/radiowatch-core/internal/infrastructure/logging"
	"github.com/radiowatch/radiowatch-core/internal/tracker"
)

type fakePhy struct{ name string }

func (p fakePhy) Name() string { return p.name }

// newTestServer builds a server over a live tracker and returns both
// plus the router under test.
func newTestServer(t *testing.T) (*Server, *tracker.Tracker, http.Handler) {
	t.Helper()

	bus := eventbus.New()
	t.Cleanup(bus.Close)

	tr, err := tracker.New(tracker.Options{
		Config: tracker.Config{
			MapPhyViews:    true,
			MapSeenbyViews: true,
		},
		Bus: bus,
	})
	if err != nil {
		t.Fatalf("tracker.New: %v", err)
	}
	t.Cleanup(tr.Close)

	s, err := New(Deps{
		Config:  config.APIConfig{Host: "127.0.0.1", Port: 0},
		WS:      config.WebSocketConfig{},
		Logger:  logging.Default(),
		Tracker: tr,
		Bus:     bus,
		Version: "test",
	})
	if err != nil {
		t.Fatalf("api.New: %v", err)
	}

	return s, tr, s.buildRouter()
}

// observe pushes one packet for mac through the tracker.
func observe(t *testing.T, tr *tracker.Tracker, phyName, macText string, signal int) *tracker.Device {
	t.Helper()

	phy, ok := tr.FetchPhyByName(phyName)
	if !ok {
		id, err := tr.RegisterPhy(fakePhy{name: phyName})
		if err != nil {
			t.Fatalf("RegisterPhy: %v", err)
		}
		phy, _ = tr.FetchPhy(id)
	}

	mac, err := tracker.ParseMAC(macText)
	if err != nil {
		t.Fatalf("ParseMAC: %v", err)
	}

	common := &tracker.CommonInfo{Device: mac, PhyID: phy.ID(), Signal: signal, Type: tracker.PacketTypeData}
	pkt := &tracker.Packet{Ts: time.Now(), Common: []*tracker.CommonInfo{common}}
	tr.ClassifyPacket(pkt, phy)
	d, err := tr.UpdateCommonDevice(context.Background(), common, mac, phy,
		pkt, tracker.UpdateAll, "device")
	if err != nil {
		t.Fatalf("UpdateCommonDevice: %v", err)
	}
	return d
}

func TestHandleViewDevices(t *testing.T) {
	_, tr, router := newTestServer(t)
	observe(t, tr, "IEEE802.11", "aa:bb:cc:dd:ee:01", -40)
	observe(t, tr, "IEEE802.11", "aa:bb:cc:dd:ee:02", -50)
	observe(t, tr, "Bluetooth", "aa:bb:cc:dd:ee:03", -60)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/devices/views/phy-IEEE802.11/devices.json", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Devices []tracker.DeviceView `json:"devices"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Devices) != 2 {
		t.Errorf("view devices = %d, want 2", len(resp.Devices))
	}
	for _, d := range resp.Devices {
		if d.PhyName != "IEEE802.11" {
			t.Errorf("device %s from wrong phy %s", d.Key, d.PhyName)
		}
	}
}

func TestHandleViewDevices_UnknownView(t *testing.T) {
	_, _, router := newTestServer(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/devices/views/nope/devices.json", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandleMultimac(t *testing.T) {
	_, tr, router := newTestServer(t)
	observe(t, tr, "IEEE802.11", "aa:bb:cc:dd:ee:01", -40)
	observe(t, tr, "Bluetooth", "aa:bb:cc:dd:ee:01", -70) // same MAC, second PHY
	observe(t, tr, "IEEE802.11", "aa:bb:cc:dd:ee:02", -50)

	body, _ := json.Marshal(map[string]any{
		"devices": []string{"aa:bb:cc:dd:ee:01"},
		"fields":  []string{"key", "phy_name"},
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/devices/multimac/devices.json", bytes.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Devices map[string][]map[string]any `json:"devices"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}

	entries := resp.Devices["aa:bb:cc:dd:ee:01"]
	if len(entries) != 2 {
		t.Fatalf("entries for shared mac = %d, want 2 (one per phy)", len(entries))
	}
	for _, e := range entries {
		if len(e) != 2 {
			t.Errorf("field projection returned %d fields, want 2: %v", len(e), e)
		}
		if _, ok := e["key"]; !ok {
			t.Errorf("projected entry missing key: %v", e)
		}
	}
}

func TestHandleMultimac_BadBody(t *testing.T) {
	_, _, router := newTestServer(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/devices/multimac/devices.json", bytes.NewReader([]byte("{"))))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", rec.Code)
	}

	body, _ := json.Marshal(map[string]any{"devices": []string{"zz:bad"}})
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/devices/multimac/devices.json", bytes.NewReader(body)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad mac status = %d, want 400", rec.Code)
	}
}

func TestHandleSetNameAndTag(t *testing.T) {
	_, tr, router := newTestServer(t)
	d := observe(t, tr, "IEEE802.11", "aa:bb:cc:dd:ee:01", -40)

	body, _ := json.Marshal(map[string]string{"username": "kitchen display"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/api/v1/devices/%s/set_name", d.Key.String()), bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("set_name status = %d: %s", rec.Code, rec.Body.String())
	}
	if d.View().UserName != "kitchen display" {
		t.Errorf("username = %q", d.View().UserName)
	}

	body, _ = json.Marshal(map[string]string{"tag": "room", "content": "kitchen"})
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/api/v1/devices/%s/set_tag", d.Key.String()), bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("set_tag status = %d: %s", rec.Code, rec.Body.String())
	}
	if d.View().Tags["room"] != "kitchen" {
		t.Errorf("tags = %v", d.View().Tags)
	}
}

func TestHandleSetName_InvalidAndMissingKey(t *testing.T) {
	_, _, router := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"username": "x"})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/devices/garbage/set_name", bytes.NewReader(body)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid key status = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/devices/0_aabbccddeeff_0/set_name", bytes.NewReader(body)))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing device status = %d, want 404", rec.Code)
	}
}

func TestHandleAllPhys(t *testing.T) {
	_, tr, router := newTestServer(t)
	observe(t, tr, "IEEE802.11", "aa:bb:cc:dd:ee:01", -40)
	observe(t, tr, "IEEE802.11", "aa:bb:cc:dd:ee:02", -41)
	observe(t, tr, "Bluetooth", "aa:bb:cc:dd:ee:03", -60)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/phys/all_phys.json", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var phys []phyEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &phys); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(phys) != 2 {
		t.Fatalf("phys = %d, want 2", len(phys))
	}

	byName := map[string]phyEntry{}
	for _, p := range phys {
		byName[p.Name] = p
	}
	if byName["IEEE802.11"].DeviceCount != 2 || byName["Bluetooth"].DeviceCount != 1 {
		t.Errorf("device counts = %+v", byName)
	}
	if byName["IEEE802.11"].PacketCount != 2 {
		t.Errorf("packet count = %d, want 2", byName["IEEE802.11"].PacketCount)
	}
}

func TestNotModifiedSince(t *testing.T) {
	_, tr, router := newTestServer(t)
	d := observe(t, tr, "IEEE802.11", "aa:bb:cc:dd:ee:01", -40)

	// No structural removal yet: any positive since yields 304.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/api/v1/devices/all_devices.json?since=%d", time.Now().Unix()), nil))
	if rec.Code != http.StatusNotModified {
		t.Fatalf("status = %d, want 304 before any removal", rec.Code)
	}

	// A removal advances the watermark past an older since.
	past := time.Now().Add(-time.Minute).Unix()
	if err := tr.RemoveDevice(d.Key); err != nil {
		t.Fatalf("RemoveDevice: %v", err)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/api/v1/devices/all_devices.json?since=%d", past), nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 after removal", rec.Code)
	}
}

func TestHandleStatus(t *testing.T) {
	_, tr, router := newTestServer(t)
	observe(t, tr, "IEEE802.11", "aa:bb:cc:dd:ee:01", -40)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var status map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if status["devices"].(float64) != 1 {
		t.Errorf("devices = %v, want 1", status["devices"])
	}
}
