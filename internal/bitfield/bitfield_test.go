package bitfield

import "testing"

func TestPackPTEFlags(t *testing.T) {
	tests := []struct {
		name    string
		flags   PTEFlags
		wantErr bool
	}{
		{
			name:  "all clear",
			flags: PTEFlags{},
		},
		{
			name: "present writable accessed dirty",
			flags: PTEFlags{
				Present:  true,
				Writable: true,
				Accessed: true,
				Dirty:    true,
			},
		},
		{
			name: "kernel global executable",
			flags: PTEFlags{
				Present:    true,
				Executable: true,
				Global:     true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			packed, err := PackPTEFlags(tt.flags)
			if (err != nil) != tt.wantErr {
				t.Fatalf("PackPTEFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			got, err := UnpackPTEFlags(packed)
			if err != nil {
				t.Fatalf("UnpackPTEFlags() error = %v", err)
			}
			if got != tt.flags {
				t.Errorf("round trip mismatch: got %+v, want %+v", got, tt.flags)
			}
		})
	}
}

func TestPackOverflow(t *testing.T) {
	type tooWide struct {
		X uint32 `bitfield:",40"`
	}
	if _, err := Pack(tooWide{X: 1}, &Config{NumBits: 32}); err == nil {
		t.Fatalf("expected error for field wider than NumBits")
	}

	type valueTooBig struct {
		X uint32 `bitfield:",2"`
	}
	if _, err := Pack(valueTooBig{X: 7}, nil); err == nil {
		t.Fatalf("expected error for value exceeding field width")
	}
}
