package bits

import (
	"math/rand"
	"testing"
)

func TestEncodeKnownValues(t *testing.T) {
	tests := []struct {
		name     string
		x, y     int
		expected Code
	}{
		{name: "Origin", x: 0, y: 0, expected: 0},
		{name: "X lands on even bits", x: 1, y: 0, expected: 1},
		{name: "Y lands on odd bits", x: 0, y: 1, expected: 2},
		{name: "Both", x: 1, y: 1, expected: 3},
		{name: "Second bit", x: 2, y: 0, expected: 4},
		{name: "Low byte", x: 0xFF, y: 0xFF, expected: 0xFFFF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Encode(tt.x, tt.y); got != tt.expected {
				t.Errorf("Encode(%d, %d) = %d, expected %d", tt.x, tt.y, got, tt.expected)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	edges := [][2]int{
		{0, 0},
		{1 << 16, 1 << 16},
		{1<<17 - 1, 1<<17 - 1},
		{1 << 17, 0},
		{58211, 25806},
		{MaxAxis, MaxAxis},
		{MaxAxis, 0},
		{0, MaxAxis},
	}
	for _, e := range edges {
		x, y := Decode(Encode(e[0], e[1]))
		if x != e[0] || y != e[1] {
			t.Errorf("round trip (%d, %d) -> (%d, %d)", e[0], e[1], x, y)
		}
	}

	r := rand.New(rand.NewSource(16))
	for i := 0; i < 10000; i++ {
		ex, ey := r.Intn(1<<17), r.Intn(1<<17)
		x, y := Decode(Encode(ex, ey))
		if x != ex || y != ey {
			t.Fatalf("round trip (%d, %d) -> (%d, %d)", ex, ey, x, y)
		}
	}
}

func TestNoCollisionsInNeighborhood(t *testing.T) {
	seen := make(map[Code][2]int)
	for x := 58200; x < 58232; x++ {
		for y := 25790; y < 25822; y++ {
			c := Encode(x, y)
			if prev, ok := seen[c]; ok {
				t.Fatalf("(%d, %d) collides with %v", x, y, prev)
			}
			seen[c] = [2]int{x, y}
		}
	}
}

func TestEncodePanicsOutOfRange(t *testing.T) {
	for _, in := range [][2]int{{-1, 0}, {0, -1}, {MaxAxis + 1, 0}} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("Encode(%d, %d) should panic", in[0], in[1])
				}
			}()
			Encode(in[0], in[1])
		}()
	}
}

func TestString(t *testing.T) {
	if s := Encode(58211, 25806).String(); s != "58211_25806" {
		t.Errorf("String() = %q", s)
	}
}

func BenchmarkEncode(b *testing.B) {
	for i := 0; i < b.N; i++ {
		Encode(i&0x1FFFF, (i>>3)&0x1FFFF)
	}
}

func BenchmarkDecode(b *testing.B) {
	for i := 0; i < b.N; i++ {
		Decode(Code(i))
	}
}
