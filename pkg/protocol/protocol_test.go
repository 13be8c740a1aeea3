package protocol

import (
	"math"
	"testing"
)

func near(a, b, tol float32) bool {
	return float32(math.Abs(float64(a-b))) <= tol
}

func TestEncodeDecodePositionScenario(t *testing.T) {
	var frame PositionFrame
	EncodePosition(&frame, Vec3{X: 10, Y: 0, Z: 5}, 1.5708, 0, 12.3, 2)

	if frame[0] != KindPosition {
		t.Fatalf("kind = %#x", frame[0])
	}
	got, ok := DecodePosition(frame[:])
	if !ok {
		t.Fatal("decode failed")
	}
	if got.Pos != (Vec3{X: 10, Y: 0, Z: 5}) {
		t.Fatalf("pos = %+v", got.Pos)
	}
	if !near(got.Yaw, 1.5708, 1.0/AngleScale) {
		t.Fatalf("yaw = %v", got.Yaw)
	}
	if !near(got.Speed, 12.3, 1.0/SpeedScale) {
		t.Fatalf("speed = %v", got.Speed)
	}
	if got.Checkpoint != 2 {
		t.Fatalf("checkpoint = %d", got.Checkpoint)
	}
}

func TestPositionRoundTripTolerance(t *testing.T) {
	tests := []struct {
		name       string
		yaw, pitch float32
		speed      float32
	}{
		{"zero", 0, 0, 0},
		{"pi", math.Pi, -math.Pi / 2, 99.95},
		{"negativePi", -math.Pi, math.Pi / 2, 0.04},
		{"small", 0.00004, -0.00006, 0.05},
		{"fast", 2.7182, 0.3, 6000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var frame PositionFrame
			EncodePosition(&frame, Vec3{X: -1, Y: 2.5, Z: 1e6}, tt.yaw, tt.pitch, tt.speed, 255)
			got, ok := DecodePosition(frame[:])
			if !ok {
				t.Fatal("decode failed")
			}
			if !near(got.Yaw, tt.yaw, 1.0/AngleScale) || !near(got.Pitch, tt.pitch, 1.0/AngleScale) {
				t.Fatalf("angles = %v,%v want %v,%v", got.Yaw, got.Pitch, tt.yaw, tt.pitch)
			}
			if !near(got.Speed, tt.speed, 1.0/SpeedScale) {
				t.Fatalf("speed = %v want %v", got.Speed, tt.speed)
			}
			if got.Checkpoint != 255 {
				t.Fatalf("checkpoint = %d", got.Checkpoint)
			}
		})
	}
}

func TestQuantizeClamps(t *testing.T) {
	if q := QuantizeAngle(10); q != math.MaxInt16 {
		t.Fatalf("QuantizeAngle(10) = %d", q)
	}
	if q := QuantizeAngle(-10); q != math.MinInt16 {
		t.Fatalf("QuantizeAngle(-10) = %d", q)
	}
	if q := QuantizeAngle(float32(math.NaN())); q != 0 {
		t.Fatalf("QuantizeAngle(NaN) = %d", q)
	}
	if q := QuantizeSpeed(-3); q != 0 {
		t.Fatalf("QuantizeSpeed(-3) = %d", q)
	}
	if q := QuantizeSpeed(1e9); q != math.MaxUint16 {
		t.Fatalf("QuantizeSpeed(1e9) = %d", q)
	}
}

func TestDecodePositionRejects(t *testing.T) {
	var frame PositionFrame
	EncodePosition(&frame, Vec3{}, 0, 0, 0, 0)

	if _, ok := DecodePosition(frame[:19]); ok {
		t.Fatal("truncated frame accepted")
	}
	frame[0] = KindBatch
	if _, ok := DecodePosition(frame[:]); ok {
		t.Fatal("wrong kind accepted")
	}
}

func TestBatchRoundTrip(t *testing.T) {
	records := []PlayerRecord{
		{Slot: 0, State: PlayerState{Pos: Vec3{X: 1, Y: 2, Z: 3}, Yaw: 0.5, Pitch: -0.1, Speed: 4.2, Checkpoint: 1}, ServerTimeMs: 1000},
		{Slot: 31, State: PlayerState{Pos: Vec3{X: -4, Y: 0, Z: 9}, Yaw: -3.1, Pitch: 0.7, Speed: 0, Checkpoint: 7}, ServerTimeMs: 4294967295},
	}
	buf := make([]byte, MaxBatchSize)
	n := EncodeBatch(buf, records)
	if n != BatchSize(2) || n != 52 {
		t.Fatalf("EncodeBatch wrote %d bytes", n)
	}

	var out [MaxBatchPlayers]PlayerRecord
	count, ok := DecodeBatch(buf[:n], &out)
	if !ok || count != 2 {
		t.Fatalf("DecodeBatch = %d, %v", count, ok)
	}
	for i, want := range records {
		got := out[i]
		if got.Slot != want.Slot || got.ServerTimeMs != want.ServerTimeMs || got.State.Pos != want.State.Pos {
			t.Fatalf("record %d = %+v want %+v", i, got, want)
		}
		if !near(got.State.Yaw, want.State.Yaw, 1.0/AngleScale) || !near(got.State.Speed, want.State.Speed, 1.0/SpeedScale) {
			t.Fatalf("record %d quantized fields = %+v", i, got.State)
		}
		if got.State.Checkpoint != want.State.Checkpoint {
			t.Fatalf("record %d checkpoint = %d", i, got.State.Checkpoint)
		}
	}
}

func TestDecodeBatchMalformed(t *testing.T) {
	buf := make([]byte, MaxBatchSize)
	n := EncodeBatch(buf, make([]PlayerRecord, 3))

	var out [MaxBatchPlayers]PlayerRecord
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"headerOnly", buf[:1]},
		{"truncated", buf[:n-1]},
		{"tooMany", []byte{KindBatch, MaxBatchPlayers + 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := DecodeBatch(tt.data, &out); ok {
				t.Fatal("malformed batch accepted")
			}
		})
	}
}

func TestEncodeBatchLimits(t *testing.T) {
	buf := make([]byte, MaxBatchSize)
	if n := EncodeBatch(buf, make([]PlayerRecord, 40)); n != MaxBatchSize {
		t.Fatalf("oversized batch wrote %d bytes", n)
	}
	if buf[1] != MaxBatchPlayers {
		t.Fatalf("count = %d", buf[1])
	}
	if n := EncodeBatch(buf[:10], make([]PlayerRecord, 1)); n != 0 {
		t.Fatalf("short buffer wrote %d bytes", n)
	}
}

func TestDecodeBatchNoAlloc(t *testing.T) {
	buf := make([]byte, MaxBatchSize)
	n := EncodeBatch(buf, make([]PlayerRecord, MaxBatchPlayers))
	var out [MaxBatchPlayers]PlayerRecord
	allocs := testing.AllocsPerRun(100, func() {
		DecodeBatch(buf[:n], &out)
	})
	if allocs != 0 {
		t.Fatalf("DecodeBatch allocates %v per run", allocs)
	}
}
