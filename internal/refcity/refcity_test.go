package refcity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefault(t *testing.T) {
	d, err := Load("")
	if err != nil {
		t.Fatalf("Load default: %v", err)
	}
	if len(d.Cities()) < 10 {
		t.Fatalf("expected a populated default list, got %d", len(d.Cities()))
	}
	if d.HubName() != "Yakutsk" {
		t.Fatalf("hub = %q", d.HubName())
	}
	for _, name := range []string{"Yakutsk", "ЯКУТСК", "ust-nera", "Олекминск"} {
		if !d.IsReferenceCity(name) {
			t.Errorf("IsReferenceCity(%q) = false", name)
		}
	}
	if d.IsReferenceCity("Moscow") {
		t.Errorf("Moscow must not be a reference city")
	}
	if got := d.Resolve("Якутск"); got != "yakutsk" {
		t.Errorf("Resolve alias = %q", got)
	}
}

func TestNewRejectsDuplicates(t *testing.T) {
	_, err := New("r", "1", "", []City{{Name: "Aldan"}, {Name: "ALDAN"}})
	if err == nil {
		t.Fatalf("expected duplicate key error")
	}
	_, err = New("r", "1", "Nowhere", []City{{Name: "Aldan"}})
	if err == nil {
		t.Fatalf("expected unknown hub error")
	}
}

func TestLoadFileValidation(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "cities.yaml")
	bad := "region: x\nversion: \"1\"\ncities:\n  - {name: A, lat: 95, lon: 0}\n"
	if err := os.WriteFile(p, []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(p); err == nil {
		t.Fatalf("expected latitude validation error")
	}
	good := "region: x\nversion: \"1\"\nhub: A\ncities:\n  - {name: A, lat: 60, lon: 120}\n  - {name: B, lat: 61, lon: 121}\n"
	if err := os.WriteFile(p, []byte(good), 0o644); err != nil {
		t.Fatal(err)
	}
	d, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cs := d.Cities(); len(cs) != 2 || cs[0].Name != "A" {
		t.Fatalf("unexpected cities %+v", cs)
	}
}

func TestAttribute(t *testing.T) {
	d, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cases := []struct {
		city, stop, want string
	}{
		{"YAKUTSK", "anything", "yakutsk"},
		{"", "Аэропорт Мирный", "mirny"},
		{"", "Olyokminsk, river port", "olyokminsk"},
		{"", "Олёкминск автовокзал", "olyokminsk"},
		{"", "Central bus station", ""},
		{"Moscow", "", "moscow"},
	}
	for _, tc := range cases {
		if got := d.Attribute(tc.city, tc.stop); got != tc.want {
			t.Errorf("Attribute(%q, %q) = %q, want %q", tc.city, tc.stop, got, tc.want)
		}
	}
}
