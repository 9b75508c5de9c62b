package fingerprint

import "testing"

func TestCompareWeights(t *testing.T) {
	a := New("/dev/sdb", 1000, 512, "SERIAL1", "ModelX", "spare")

	tests := []struct {
		name string
		b    *Fingerprint
		want int
	}{
		{
			name: "identical",
			b:    &Fingerprint{Path: a.Path, SizeSectors: a.SizeSectors, UUID: a.UUID, Serial: a.Serial},
			want: 100,
		},
		{
			name: "size and path only",
			b:    &Fingerprint{Path: a.Path, SizeSectors: a.SizeSectors, UUID: [16]byte{1}},
			want: 50,
		},
		{
			name: "uuid only",
			b:    &Fingerprint{UUID: a.UUID},
			want: 40,
		},
		{
			name: "nothing matches",
			b:    &Fingerprint{Path: "/dev/other", SizeSectors: 1, UUID: [16]byte{9}},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Compare(a, tt.b); got != tt.want {
				t.Errorf("Compare() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestBucketThresholds(t *testing.T) {
	cases := map[int]Confidence{
		100: Perfect,
		95:  Perfect,
		94:  High,
		80:  High,
		79:  Medium,
		60:  Medium,
		59:  Low,
		40:  Low,
		39:  NoMatch,
		0:   NoMatch,
	}
	for score, want := range cases {
		if got := Bucket(score); got != want {
			t.Errorf("Bucket(%d) = %v, want %v", score, got, want)
		}
	}
}

func TestAcceptedThreshold(t *testing.T) {
	a := New("/dev/sdb", 1000, 512, "S1", "M1", "spare")
	close := &Fingerprint{Path: a.Path, SizeSectors: a.SizeSectors, Serial: a.Serial}
	if !Accepted(a, close) {
		t.Errorf("expected path+size+serial match (score 60) to be accepted")
	}
	far := &Fingerprint{Path: "/dev/zzz", SizeSectors: 1}
	if Accepted(a, far) {
		t.Errorf("expected no-match fingerprint to be rejected")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := New("/dev/spare0", 2048, 512, "SN-123", "ModelY", "spare")
	buf := f.Encode()
	if len(buf) != EncodedLen {
		t.Fatalf("Encode() length = %d, want %d", len(buf), EncodedLen)
	}

	got, ok := Decode(buf)
	if !ok {
		t.Fatalf("Decode() failed on freshly encoded buffer")
	}
	if got.Path != f.Path || got.SizeSectors != f.SizeSectors || got.Serial != f.Serial ||
		got.Model != f.Model || got.UUID != f.UUID {
		t.Fatalf("Decode() = %+v, want %+v", got, f)
	}
}

func TestDecodeRejectsCorruption(t *testing.T) {
	f := New("/dev/spare0", 2048, 512, "SN-123", "ModelY", "spare")
	buf := f.Encode()
	buf[10] ^= 0xFF

	if _, ok := Decode(buf); ok {
		t.Fatalf("Decode() accepted a corrupted buffer")
	}
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	if _, ok := Decode([]byte{1, 2, 3}); ok {
		t.Fatalf("Decode() accepted a too-short buffer")
	}
}
