package identity

import (
	"path/filepath"
	"testing"
)

func TestGenerateDeviceID(t *testing.T) {
	// Mirrors scenario 1: MAC b8:27:eb:12:34:ab -> device_id "34ab".
	id, err := generate("Distiller")
	if err != nil {
		t.Skipf("no usable network interface in this sandbox: %v", err)
	}
	if len(id.DeviceID) != 4 {
		t.Errorf("DeviceID = %q, want 4 hex chars", id.DeviceID)
	}
}

func TestCapitalize(t *testing.T) {
	cases := map[string]string{
		"distiller": "Distiller",
		"DISTILLER": "Distiller",
		"DiStIlLeR": "Distiller",
		"":          "",
	}
	for in, want := range cases {
		if got := capitalize(in); got != want {
			t.Errorf("capitalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsVirtual(t *testing.T) {
	for _, name := range []string{"lo", "docker0", "veth1234", "br-abcd", "virbr0"} {
		if !isVirtual(name) {
			t.Errorf("isVirtual(%q) = false, want true", name)
		}
	}
	for _, name := range []string{"eth0", "wlan0", "enp0s3"} {
		if isVirtual(name) {
			t.Errorf("isVirtual(%q) = true, want false", name)
		}
	}
}

func TestLoadOrCreatePersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "device.json")

	first, err := LoadOrCreate(path, "Distiller")
	if err != nil {
		t.Skipf("no usable network interface in this sandbox: %v", err)
	}

	second, err := LoadOrCreate(path, "Distiller")
	if err != nil {
		t.Fatalf("LoadOrCreate (reload): %v", err)
	}
	if second.DeviceID != first.DeviceID || second.CreatedAt != first.CreatedAt {
		t.Errorf("reload produced different identity: %+v vs %+v", first, second)
	}
}
