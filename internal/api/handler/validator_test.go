package handler

import (
	"strings"
	"testing"
)

func ptr(f float64) *float64 { return &f }

func TestValidator_NamesJSONFields(t *testing.T) {
	v := NewValidator()

	cases := []struct {
		name string
		req  any
		want []string
	}{
		{
			name: "driver without trip",
			req:  startTrackingRequest{Role: "driver"},
			want: []string{"driver_id is required for drivers", "pickup is required for drivers", "delivery is required for drivers"},
		},
		{
			name: "nested coordinate",
			req: startTrackingRequest{
				Role:     "driver",
				DriverID: "driver-7",
				Pickup:   &coordinatesRequest{Lat: ptr(91), Lng: ptr(0)},
				Delivery: &coordinatesRequest{Lat: ptr(0), Lng: ptr(0)},
			},
			want: []string{"pickup.lat must be a valid latitude"},
		},
		{
			name: "unknown command",
			req:  commandRequest{Command: "teleport"},
			want: []string{"command must be one of: loaded depart delivered cancel"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Validate(tc.req)
			if err == nil {
				t.Fatal("expected validation error")
			}
			for _, w := range tc.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error %q does not mention %q", err, w)
				}
			}
		})
	}
}

func TestValidator_AcceptsCustomer(t *testing.T) {
	if err := NewValidator().Validate(startTrackingRequest{Role: "customer"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
