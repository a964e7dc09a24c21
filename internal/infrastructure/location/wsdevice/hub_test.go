package wsdevice

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/99minutos/trip-tracking/internal/core/domain"
	"github.com/99minutos/trip-tracking/internal/core/ports"
)

const driverID = "driver-7"

var trip = domain.TripReference{
	TripID:   "trip-42",
	DriverID: driverID,
	Pickup:   domain.Point(19.4326, -99.1332),
	Delivery: domain.Point(19.4, -99.17),
}

func newTestHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.ServeDevice(w, r, strings.TrimPrefix(r.URL.Path, "/"))
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + driverID
}

func dial(t *testing.T, hub *Hub, url string, want int) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	deadline := time.Now().Add(2 * time.Second)
	for hub.Connected() != want {
		if time.Now().After(deadline) {
			t.Fatalf("device never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func platform(t *testing.T, hub *Hub) ports.LocationPlatform {
	t.Helper()
	p, err := hub.Platform(context.Background(), driverID, trip)
	if err != nil {
		t.Fatalf("Platform: %v", err)
	}
	return p
}

func TestHub_PlatformRequiresConnection(t *testing.T) {
	hub, _ := newTestHub(t)

	_, err := hub.Platform(context.Background(), driverID, trip)
	if !errors.Is(err, domain.ErrDeviceNotConnected) {
		t.Fatalf("expected ErrDeviceNotConnected, got %v", err)
	}
}

func TestDevice_CurrentFixRequestsFix(t *testing.T) {
	hub, url := newTestHub(t)
	conn := dial(t, hub, url, 1)
	p := platform(t, hub)

	go func() {
		msg := readMessage(t, conn)
		if msg["type"] != typeFixRequest {
			t.Errorf("expected fix_request, got %v", msg["type"])
			return
		}
		_ = conn.WriteJSON(map[string]any{
			"type": typeLocation, "latitude": 19.43, "longitude": -99.13, "speed_kmh": 36.0,
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	fix, err := p.CurrentFix(ctx)
	if err != nil {
		t.Fatalf("CurrentFix: %v", err)
	}
	if fix.Latitude != 19.43 || fix.Longitude != -99.13 {
		t.Errorf("unexpected fix %v", fix)
	}
	if fix.Speed == nil || *fix.Speed != 10 {
		t.Errorf("expected speed 10 m/s, got %v", fix.Speed)
	}
}

func TestDevice_FreshPushedFixAnswersImmediately(t *testing.T) {
	hub, url := newTestHub(t)
	conn := dial(t, hub, url, 1)
	p := platform(t, hub)

	stop, err := p.Watch(context.Background(), ports.StreamOptions{}, func(domain.Coordinate) {})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer stop()
	readMessage(t, conn) // watch

	got := make(chan struct{})
	stopSecond, _ := p.Watch(context.Background(), ports.StreamOptions{}, func(domain.Coordinate) { close(got) })
	defer stopSecond()
	_ = conn.WriteJSON(map[string]any{"type": typeLocation, "latitude": 19.4, "longitude": -99.1})
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("fix never delivered")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	fix, err := p.CurrentFix(ctx)
	if err != nil {
		t.Fatalf("CurrentFix: %v", err)
	}
	if fix.Latitude != 19.4 {
		t.Errorf("expected cached fix, got %v", fix)
	}
}

func TestDevice_PermissionRoundTrip(t *testing.T) {
	hub, url := newTestHub(t)
	conn := dial(t, hub, url, 1)
	p := platform(t, hub)

	go func() {
		msg := readMessage(t, conn)
		if msg["type"] != typePermissionRequest || msg["scope"] != string(ports.ScopeForeground) {
			t.Errorf("unexpected request %v", msg)
			return
		}
		_ = conn.WriteJSON(map[string]any{
			"type": typePermissionResult, "request_id": msg["request_id"], "granted": true,
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	granted, err := p.RequestPermission(ctx, ports.ScopeForeground)
	if err != nil {
		t.Fatalf("RequestPermission: %v", err)
	}
	if !granted {
		t.Fatal("expected grant")
	}
	st, err := p.QueryPermission(ctx)
	if err != nil || !st.Granted {
		t.Fatalf("expected granted status, got %+v, %v", st, err)
	}
}

func TestDevice_PermissionStatusIsReported(t *testing.T) {
	hub, url := newTestHub(t)
	conn := dial(t, hub, url, 1)
	p := platform(t, hub)

	_ = conn.WriteJSON(map[string]any{"type": typePermission, "granted": true, "can_request_background": true})

	deadline := time.Now().Add(2 * time.Second)
	for {
		st, _ := p.QueryPermission(context.Background())
		if st.Granted && st.CanRequestBackground {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("status never updated: %+v", st)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDevice_WatchForwardsFixesAndUnwatches(t *testing.T) {
	hub, url := newTestHub(t)
	conn := dial(t, hub, url, 1)
	p := platform(t, hub)

	fixes := make(chan domain.Coordinate, 4)
	stop, err := p.Watch(context.Background(), ports.StreamOptions{
		Accuracy: ports.AccuracyHigh, MinInterval: time.Second, MinDistanceMeters: 10,
	}, func(c domain.Coordinate) { fixes <- c })
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	msg := readMessage(t, conn)
	if msg["type"] != typeWatch || msg["accuracy"] != string(ports.AccuracyHigh) || msg["min_interval_ms"] != float64(1000) {
		t.Fatalf("unexpected watch message %v", msg)
	}

	_ = conn.WriteJSON(map[string]any{"type": typeLocation, "latitude": 19.1, "longitude": -99.1})
	_ = conn.WriteJSON(map[string]any{"type": typeLocation, "latitude": 19.2, "longitude": -99.1})
	for _, want := range []float64{19.1, 19.2} {
		select {
		case got := <-fixes:
			if got.Latitude != want {
				t.Errorf("expected %v, got %v", want, got.Latitude)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("fix not forwarded")
		}
	}

	stop()
	if msg := readMessage(t, conn); msg["type"] != typeUnwatch {
		t.Fatalf("expected unwatch, got %v", msg)
	}
}

func TestDevice_WatchResumesAfterReconnect(t *testing.T) {
	hub, url := newTestHub(t)
	first := dial(t, hub, url, 1)
	p := platform(t, hub)

	stop, err := p.Watch(context.Background(), ports.StreamOptions{}, func(domain.Coordinate) {})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer stop()
	readMessage(t, first)

	second := dial(t, hub, url, 1)
	if msg := readMessage(t, second); msg["type"] != typeWatch {
		t.Fatalf("expected watch on new connection, got %v", msg)
	}
	if again := platform(t, hub); again != p {
		t.Error("expected the same device across reconnects")
	}
}
