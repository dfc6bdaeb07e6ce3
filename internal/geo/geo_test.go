package geo

import (
	"math"
	"testing"

	"transit-graph/internal/model"
)

func TestHaversineIdentical(t *testing.T) {
	if d := Haversine(62.0281, 129.7326, 62.0281, 129.7326); d != 0 {
		t.Fatalf("distance between identical points = %v, want 0", d)
	}
}

func TestHaversineKnownPoints(t *testing.T) {
	tests := []struct {
		name string
		a, b model.Coordinates
		want float64
	}{
		// 经线方向 1 度：6371 * pi / 180
		{"one degree latitude", model.Coordinates{Lat: 0, Lon: 0}, model.Coordinates{Lat: 1, Lon: 0}, 111.195},
		{"quarter meridian", model.Coordinates{Lat: 0, Lon: 0}, model.Coordinates{Lat: 90, Lon: 0}, 10007.543},
		{"antipodal equator", model.Coordinates{Lat: 0, Lon: 0}, model.Coordinates{Lat: 0, Lon: 180}, 20015.087},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Distance(tt.a, tt.b)
			if math.Abs(got-tt.want) > 0.5 {
				t.Errorf("Distance = %.3f, want %.3f ±0.5", got, tt.want)
			}
			back := Distance(tt.b, tt.a)
			if math.Abs(got-back) > 1e-9 {
				t.Errorf("not symmetric: %v vs %v", got, back)
			}
		})
	}
}

func TestNormalizeCity(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Yakutsk", "yakutsk"},
		{"  YAKUTSK ", "yakutsk"},
		{"Ust-Nera", "ust nera"},
		{"ust   nera", "ust nera"},
		{"Olyókminsk", "olyokminsk"},
		{"Олёкминск", "олекминск"},
		{"Belaya\tGora", "belaya gora"},
	}
	for _, tt := range tests {
		if got := NormalizeCity(tt.in); got != tt.want {
			t.Errorf("NormalizeCity(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
