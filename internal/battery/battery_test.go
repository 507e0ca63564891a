package battery

import (
	"context"
	"io"
	"os"
	"runtime"
	"testing"

	"inkdash/internal/config"
	appLog "inkdash/internal/log"
)

func TestMain(m *testing.M) {
	appLog.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func TestMockReaderRange(t *testing.T) {
	r := NewMockReader()
	for i := 0; i < 200; i++ {
		st, err := r.Read(context.Background())
		if err != nil {
			t.Fatalf("Read err=%v", err)
		}
		if st.Percent < 20 || st.Percent > 100 {
			t.Fatalf("Percent = %d, want 20..100", st.Percent)
		}
	}
}

func TestClampPercent(t *testing.T) {
	cases := map[byte]int{0: 0, 57: 57, 100: 100, 101: 100, 255: 100}
	for in, want := range cases {
		if got := clampPercent(in); got != want {
			t.Errorf("clampPercent(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestFromConfigDisabled(t *testing.T) {
	if r := FromConfig(context.Background(), config.BatteryConfig{Enabled: false}); r != nil {
		t.Fatalf("expected nil reader when disabled, got %T", r)
	}
}

func TestFromConfigGaugeMissing(t *testing.T) {
	// A canceled context makes the probing read fail before touching I2C.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := FromConfig(ctx, config.BatteryConfig{Enabled: true, Bus: "no-such-bus", Addr: 0x57})
	if runtime.GOOS == "linux" {
		if r != nil {
			t.Fatalf("expected nil reader without a gauge, got %T", r)
		}
		return
	}
	if _, ok := r.(*mockReader); !ok {
		t.Fatalf("expected mock reader on %s, got %T", runtime.GOOS, r)
	}
}
