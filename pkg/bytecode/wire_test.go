package bytecode

import (
	"bytes"
	"reflect"
	"testing"
)

func TestCBORRoundTrip(t *testing.T) {
	for _, name := range DemoNames() {
		p := Demos[name].Build()
		p.Entry = 0
		p.MainLocals = 1

		data, err := MarshalProgram(p)
		if err != nil {
			t.Fatalf("%s: MarshalProgram: %v", name, err)
		}
		got, err := UnmarshalProgram(data)
		if err != nil {
			t.Fatalf("%s: UnmarshalProgram: %v", name, err)
		}
		if !reflect.DeepEqual(got, p) {
			t.Errorf("%s: round trip = %+v, want %+v", name, got, p)
		}
	}
}

func TestCBORIsCanonical(t *testing.T) {
	a, err := MarshalProgram(FuncPtrArgProgram())
	if err != nil {
		t.Fatalf("MarshalProgram: %v", err)
	}
	b, _ := MarshalProgram(FuncPtrArgProgram().Clone())
	if !bytes.Equal(a, b) {
		t.Error("equal programs encoded to different bytes")
	}
}

func TestUnmarshalProgramError(t *testing.T) {
	if _, err := UnmarshalProgram([]byte{0xff, 0x00}); err == nil {
		t.Error("UnmarshalProgram accepted garbage")
	}
}
