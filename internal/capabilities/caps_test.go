package capabilities

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Cap
		wantErr bool
	}{
		{in: "CAP_SETUID", want: SetUID},
		{in: "cap_setgid", want: SetGID},
		{in: "sys_chroot", want: SysChroot},
		{in: " dac_read_search ", want: DACReadSearch},
		{in: "CAP_NOPE", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("Parse(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if err == nil && got != tt.want {
			t.Errorf("Parse(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestCapString(t *testing.T) {
	if got := SysChroot.String(); got != "CAP_SYS_CHROOT" {
		t.Errorf("String() = %q", got)
	}
	if got := Cap(99).String(); got != "CAP_99" {
		t.Errorf("String() = %q", got)
	}
	for i := range capNames {
		c := Cap(i)
		back, err := Parse(c.String())
		if err != nil || back != c {
			t.Errorf("Parse(%s) = %v, %v", c, back, err)
		}
	}
}
