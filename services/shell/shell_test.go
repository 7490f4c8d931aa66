package shell

import (
	"strings"
	"testing"

	"chargectl-go/services/telemetry"
)

func newTestShell(t *testing.T) (*Shell, *float32) {
	t.Helper()
	reg := telemetry.NewRegistry()
	reg.ExpertPassword = "secret word" // quoting exercise

	v := float32(13.2)
	topping := float32(14.4)
	if err := reg.Add(&telemetry.Node{ID: 1, Name: "Bat_V", Cat: telemetry.CatMeasurement,
		Access: telemetry.ReadAll, F32: &v}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Add(&telemetry.Node{ID: 2, Name: "BatChgVoltage_V", Cat: telemetry.CatConf,
		Access: telemetry.ReadAll | telemetry.WriteExpert, F32: &topping}); err != nil {
		t.Fatal(err)
	}

	saved := 0
	sh := New(nil, reg, Actions{Save: func() error { saved++; return nil }})
	return sh, &topping
}

func TestGet(t *testing.T) {
	sh, _ := newTestShell(t)

	if got := sh.Exec("get Bat_V"); got != "13.2" {
		t.Errorf("get reply = %q, want 13.2", got)
	}
}

func TestSetNeedsAuth(t *testing.T) {
	sh, topping := newTestShell(t)

	if got := sh.Exec("set BatChgVoltage_V 14.6"); !strings.HasPrefix(got, "error:") {
		t.Fatalf("unauthenticated set replied %q, want error", got)
	}

	// quoted password with a space survives tokenization
	if got := sh.Exec(`auth "secret word"`); got != "expert" {
		t.Fatalf("auth reply = %q, want expert", got)
	}
	if got := sh.Exec("set BatChgVoltage_V 14.6"); got != "ok" {
		t.Fatalf("set reply = %q, want ok", got)
	}
	if *topping != 14.6 {
		t.Errorf("topping = %v, want 14.6", *topping)
	}
}

func TestNodesListing(t *testing.T) {
	sh, _ := newTestShell(t)

	got := sh.Exec("nodes")
	if !strings.Contains(got, "Bat_V") || !strings.Contains(got, "BatChgVoltage_V") {
		t.Errorf("nodes reply %q missing entries", got)
	}
}

func TestUnknownCommand(t *testing.T) {
	sh, _ := newTestShell(t)
	if got := sh.Exec("frobnicate"); !strings.HasPrefix(got, "error:") {
		t.Errorf("reply = %q, want error", got)
	}
	if got := sh.Exec(""); got != "" {
		t.Errorf("empty line reply = %q, want silence", got)
	}
}

func TestSave(t *testing.T) {
	sh, _ := newTestShell(t)
	if got := sh.Exec("save"); got != "ok" {
		t.Errorf("save reply = %q, want ok", got)
	}
}
