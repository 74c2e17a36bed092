package hook

import (
	"reflect"
	"testing"
)

func TestHostEnvStripsPreload(t *testing.T) {
	in := []string{
		"PATH=/usr/bin",
		"LD_PRELOAD=/opt/trace/lib/libtrace.so",
		"HOME=/root",
		"LD_AUDIT=/tmp/audit.so",
		"LD_PRELOAD_EXTRA=kept",
	}
	want := []string{"PATH=/usr/bin", "HOME=/root", "LD_PRELOAD_EXTRA=kept"}

	if got := hostEnv(in); !reflect.DeepEqual(got, want) {
		t.Errorf("hostEnv = %v, want %v", got, want)
	}
}

func TestHostCommandUnknownProgram(t *testing.T) {
	if _, err := hostCommand(Options{Program: "definitely-not-a-real-program-xyz"}); err == nil {
		t.Error("expected error for missing host program")
	}
}

func TestValueString(t *testing.T) {
	for _, tc := range []struct {
		v    Value
		want string
	}{
		{Str("/etc/hosts"), `"/etc/hosts"`},
		{Int(-1), "-1"},
		{Uint(64), "64"},
		{Ptr(0x10), "16"},
	} {
		if got := tc.v.String(); got != tc.want {
			t.Errorf("String() = %s, want %s", got, tc.want)
		}
	}
}
