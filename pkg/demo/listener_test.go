package demo

import (
	"bytes"
	"errors"
	"testing"

	"github.com/mbeema/hookdemo/pkg/export"
	"github.com/mbeema/hookdemo/pkg/hook"
	"go.uber.org/zap"
)

// fakeArgs serves argument 0 and a string table keyed by address.
type fakeArgs struct {
	arg0    uint64
	strings map[uint64]string
}

func (f *fakeArgs) Arg(n int) uint64 {
	if n == 0 {
		return f.arg0
	}
	return 0
}

func (f *fakeArgs) ReadCString(addr uint64) (string, error) {
	s, ok := f.strings[addr]
	if !ok {
		return "", errors.New("unmapped")
	}
	return s, nil
}

type sliceSink struct {
	invs []*export.Invocation
}

func (s *sliceSink) Export(inv *export.Invocation) {
	s.invs = append(s.invs, inv)
}

func posixTargets() (openT, closeT *Resolved) {
	openT = &Resolved{
		Target:     Target{Hook: "open", Symbol: "open", Arg: ArgString},
		Address:    0x7f0000001000,
		ModuleName: "libc.so.6",
	}
	closeT = &Resolved{
		Target:     Target{Hook: "close", Symbol: "close", Arg: ArgInt},
		Address:    0x7f0000002000,
		ModuleName: "libc.so.6",
	}
	return openT, closeT
}

func TestListenerPrintsAndCounts(t *testing.T) {
	var out bytes.Buffer
	sink := &sliceSink{}
	l := newListener("posix", 4242, &out, sink, zap.NewNop())

	openT, closeT := posixTargets()
	l.bind(1, openT)
	l.bind(2, closeT)

	l.record(1, &fakeArgs{arg0: 0x5000, strings: map[uint64]string{0x5000: "/etc/hosts"}}, 4242)
	l.record(2, &fakeArgs{arg0: 3}, 4242)
	l.record(1, &fakeArgs{arg0: 0x5100, strings: map[uint64]string{0x5100: "/etc/fstab"}}, 4242)
	l.record(2, &fakeArgs{arg0: 0xffffffffffffffff}, 4242)

	want := "[*] open(\"/etc/hosts\")\n[*] close(3)\n[*] open(\"/etc/fstab\")\n[*] close(-1)\n"
	if out.String() != want {
		t.Errorf("output:\n%s\nwant:\n%s", out.String(), want)
	}
	if l.State().Calls() != 4 {
		t.Errorf("Calls = %d, want 4", l.State().Calls())
	}

	if len(sink.invs) != 4 {
		t.Fatalf("exported %d invocations, want 4", len(sink.invs))
	}
	first := sink.invs[0]
	if first.Hook != "open" || first.Module != "libc.so.6" || first.Address != 0x7f0000001000 || first.Count != 1 {
		t.Errorf("first invocation = %+v", first)
	}
	if sink.invs[3].Count != 4 || sink.invs[3].Phase != "enter" {
		t.Errorf("last invocation = %+v", sink.invs[3])
	}
}

// Tags follow the attachment, not the order targets were attached in.
func TestListenerTagsByAttachment(t *testing.T) {
	var out bytes.Buffer
	l := newListener("posix", 1, &out, nil, zap.NewNop())

	openT, closeT := posixTargets()
	l.bind(7, closeT)
	l.bind(3, openT)

	l.record(7, &fakeArgs{arg0: 5}, 1)
	if out.String() != "[*] close(5)\n" {
		t.Errorf("output = %q", out.String())
	}
}

func TestListenerIgnoresUnknownAttachment(t *testing.T) {
	var out bytes.Buffer
	l := newListener("posix", 1, &out, nil, zap.NewNop())

	l.record(hook.AttachmentID(99), &fakeArgs{}, 1)
	if out.Len() != 0 || l.State().Calls() != 0 {
		t.Error("call through unknown attachment was counted")
	}
}

func TestFormatArg(t *testing.T) {
	tests := []struct {
		kind ArgKind
		args *fakeArgs
		want string
	}{
		{ArgUint, &fakeArgs{arg0: 64}, "64"},
		{ArgUint, &fakeArgs{arg0: 0xffffffff}, "4294967295"},
		{ArgInt, &fakeArgs{arg0: 0xffffffff}, "-1"},
		{ArgString, &fakeArgs{arg0: 0x10, strings: map[uint64]string{0x10: "x"}}, `"x"`},
		{ArgString, &fakeArgs{arg0: 0xdead}, "0xdead"},
	}
	for _, tt := range tests {
		if got := formatArg(tt.kind, tt.args); got != tt.want {
			t.Errorf("formatArg(%s, %#x) = %s, want %s", tt.kind, tt.args.arg0, got, tt.want)
		}
	}
}
