package server

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/xtaci/smux"

	"racesync/pkg/auth"
	"racesync/pkg/control"
	"racesync/pkg/protocol"
)

var testSecret = []byte("server-test-secret")

func startServer(t *testing.T, maxPlayers int) *Server {
	t.Helper()
	srv := NewServer(Config{
		Addr:       "127.0.0.1:0",
		Proto:      "tcp",
		TickRate:   50,
		MaxPlayers: maxPlayers,
		Secret:     testSecret,
	})
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

type rawClient struct {
	mux  *smux.Session
	pos  *smux.Stream
	ctrl *smux.Stream
}

// dialRaw 建立会话并按指定顺序打开两条流
func dialRaw(t *testing.T, addr string, controlFirst bool) *rawClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	mux, err := smux.Client(conn, smux.DefaultConfig())
	if err != nil {
		t.Fatalf("smux.Client: %v", err)
	}
	t.Cleanup(func() { mux.Close() })

	open := func(marker byte) *smux.Stream {
		s, err := mux.OpenStream()
		if err != nil {
			t.Fatalf("OpenStream: %v", err)
		}
		if _, err := s.Write([]byte{marker}); err != nil {
			t.Fatalf("write marker: %v", err)
		}
		return s
	}
	c := &rawClient{mux: mux}
	if controlFirst {
		c.ctrl = open(streamControl)
		c.pos = open(streamPosition)
	} else {
		c.pos = open(streamPosition)
		c.ctrl = open(streamControl)
	}
	return c
}

func (c *rawClient) hello(t *testing.T, tok string) control.Message {
	t.Helper()
	if err := control.WriteFrame(c.ctrl, control.FormatJSON, control.Message{
		Type: control.TypeHello,
		Data: map[string]interface{}{"token": tok},
	}); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	return c.read(t)
}

func (c *rawClient) read(t *testing.T) control.Message {
	t.Helper()
	c.ctrl.SetReadDeadline(time.Now().Add(3 * time.Second))
	msg, _, err := control.ReadFrame(c.ctrl)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	return msg
}

func (c *rawClient) sendPosition(t *testing.T, msg []byte) {
	t.Helper()
	buf := make([]byte, 2+len(msg))
	binary.LittleEndian.PutUint16(buf, uint16(len(msg)))
	copy(buf[2:], msg)
	if _, err := c.pos.Write(buf); err != nil {
		t.Fatalf("write position: %v", err)
	}
}

// readBatch 读取下一个批次
func (c *rawClient) readBatch(t *testing.T) []protocol.PlayerRecord {
	t.Helper()
	c.pos.SetReadDeadline(time.Now().Add(3 * time.Second))
	var header [2]byte
	if _, err := io.ReadFull(c.pos, header[:]); err != nil {
		t.Fatalf("read batch header: %v", err)
	}
	body := make([]byte, binary.LittleEndian.Uint16(header[:]))
	if _, err := io.ReadFull(c.pos, body); err != nil {
		t.Fatalf("read batch: %v", err)
	}
	if body[0] != protocol.KindBatch {
		t.Fatalf("kind = %#x", body[0])
	}
	var dst [protocol.MaxBatchPlayers]protocol.PlayerRecord
	n, ok := protocol.DecodeBatch(body, &dst)
	if !ok {
		t.Fatalf("malformed batch % x", body)
	}
	return append([]protocol.PlayerRecord(nil), dst[:n]...)
}

func token(t *testing.T, key []byte, name string) string {
	t.Helper()
	tok, err := auth.GenerateToken(key, name, "", time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return tok
}

func TestHandshake(t *testing.T) {
	srv := startServer(t, 4)
	addr := srv.Addr().String()

	tests := []struct {
		name         string
		controlFirst bool
		tok          string
		wantType     string
	}{
		{"welcome", false, token(t, testSecret, "alice"), control.TypeWelcome},
		{"streamOrderIrrelevant", true, token(t, testSecret, "bob"), control.TypeWelcome},
		{"wrongKey", false, token(t, []byte("other"), "mallory"), control.TypeError},
		{"garbage", false, "garbage", control.TypeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := dialRaw(t, addr, tt.controlFirst)
			msg := c.hello(t, tt.tok)
			if msg.Type != tt.wantType {
				t.Fatalf("reply = %+v", msg)
			}
			if msg.Type == control.TypeWelcome {
				if _, ok := msg.Number("slot"); !ok {
					t.Fatalf("welcome without slot: %+v", msg)
				}
			}
		})
	}
}

func TestRoomFull(t *testing.T) {
	srv := startServer(t, 1)
	addr := srv.Addr().String()

	first := dialRaw(t, addr, false)
	if msg := first.hello(t, token(t, testSecret, "alice")); msg.Type != control.TypeWelcome {
		t.Fatalf("first reply = %+v", msg)
	}
	second := dialRaw(t, addr, false)
	if msg := second.hello(t, token(t, testSecret, "bob")); msg.Type != control.TypeError {
		t.Fatalf("second reply = %+v", msg)
	}
}

func TestPositionRelayAndPing(t *testing.T) {
	srv := startServer(t, 4)
	addr := srv.Addr().String()

	alice := dialRaw(t, addr, false)
	welcome := alice.hello(t, token(t, testSecret, "alice"))
	aliceSlot, _ := welcome.Number("slot")

	bob := dialRaw(t, addr, false)
	bob.hello(t, token(t, testSecret, "bob"))
	if join := bob.read(t); join.Type != control.TypeJoin {
		t.Fatalf("bob first event = %+v", join)
	} else if name, _ := join.Text("name"); name != "alice" {
		t.Fatalf("join = %+v", join)
	}

	// 畸形消息被丢弃，流保持对齐
	alice.sendPosition(t, []byte{0x7f, 1, 2})
	var frame protocol.PositionFrame
	protocol.EncodePosition(&frame, protocol.Vec3{X: 10, Y: 0, Z: 5}, 1.5708, 0, 12.3, 2)
	alice.sendPosition(t, frame[:])

	deadline := time.Now().Add(3 * time.Second)
	var rec *protocol.PlayerRecord
	for rec == nil && time.Now().Before(deadline) {
		for _, r := range bob.readBatch(t) {
			if int(r.Slot) == int(aliceSlot) {
				rec = &r
			}
		}
	}
	if rec == nil {
		t.Fatal("alice position never relayed")
	}
	if rec.State.Pos != (protocol.Vec3{X: 10, Y: 0, Z: 5}) || rec.State.Checkpoint != 2 {
		t.Fatalf("record = %+v", rec)
	}

	// 自己的位置不回传
	for _, r := range alice.readBatch(t) {
		if int(r.Slot) == int(aliceSlot) {
			t.Fatal("own position echoed back")
		}
	}

	if err := control.WriteFrame(bob.ctrl, control.FormatJSON, control.Message{
		Type: control.TypePing,
		Data: map[string]interface{}{"t": 12345},
	}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	pong := bob.read(t)
	if v, _ := pong.Number("t"); pong.Type != control.TypePong || v != 12345 {
		t.Fatalf("pong = %+v", pong)
	}
}

func TestLeaveBroadcast(t *testing.T) {
	srv := startServer(t, 4)
	addr := srv.Addr().String()

	alice := dialRaw(t, addr, false)
	alice.hello(t, token(t, testSecret, "alice"))
	bob := dialRaw(t, addr, false)
	welcome := bob.hello(t, token(t, testSecret, "bob"))
	bobSlot, _ := welcome.Number("slot")

	if join := alice.read(t); join.Type != control.TypeJoin {
		t.Fatalf("alice event = %+v", join)
	}
	bob.mux.Close()

	leave := alice.read(t)
	if slot, _ := leave.Number("slot"); leave.Type != control.TypeLeave || slot != bobSlot {
		t.Fatalf("leave = %+v", leave)
	}
}

func TestBotStep(t *testing.T) {
	b := newBot(5, 0)
	var state protocol.PlayerState
	dt := 1.0 / 20
	steps := int(2*3.141592653589793*b.radius/b.speed/dt) + 2
	for i := 0; i < steps; i++ {
		state = b.Step(dt)
		dx := float64(state.Pos.X - b.center.X)
		dz := float64(state.Pos.Z - b.center.Z)
		if r := dx*dx + dz*dz; r < (b.radius-0.01)*(b.radius-0.01) || r > (b.radius+0.01)*(b.radius+0.01) {
			t.Fatalf("step %d: off track, r^2 = %v", i, r)
		}
	}
	if state.Checkpoint != 1 {
		t.Fatalf("laps = %d after one revolution", state.Checkpoint)
	}
	if state.Yaw < -3.1416 || state.Yaw > 3.1416 {
		t.Fatalf("yaw = %v", state.Yaw)
	}
}

func TestBotsBroadcast(t *testing.T) {
	srv := NewServer(Config{
		Addr:       "127.0.0.1:0",
		Proto:      "tcp",
		TickRate:   50,
		MaxPlayers: 4,
		Bots:       2,
		Secret:     testSecret,
	})
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	c := dialRaw(t, srv.Addr().String(), false)
	welcome := c.hello(t, token(t, testSecret, "alice"))
	if slot, _ := welcome.Number("slot"); slot != 0 {
		t.Fatalf("slot = %v, bots should take the last slots", slot)
	}
	names := map[string]bool{}
	for i := 0; i < 2; i++ {
		msg := c.read(t)
		name, _ := msg.Text("name")
		names[name] = msg.Type == control.TypeJoin
	}
	if !names["bot-1"] || !names["bot-2"] {
		t.Fatalf("bot joins = %v", names)
	}

	batch := c.readBatch(t)
	if len(batch) != 2 || batch[0].Slot != 2 || batch[1].Slot != 3 {
		t.Fatalf("batch = %+v", batch)
	}
}

func TestStaleStateAfterSlotReuse(t *testing.T) {
	room := NewRoom(context.Background(), 50, 2, 0)
	t.Cleanup(room.Shutdown)

	join := func(name string) *Connection {
		a, b := net.Pipe()
		t.Cleanup(func() { a.Close(); b.Close() })
		c := NewConnection(a, nil)
		c.name = name
		respCh := make(chan joinResult, 1)
		room.handleJoin(joinRequest{conn: c, respCh: respCh})
		res := <-respCh
		if res.err != nil {
			t.Fatalf("join %s: %v", name, res.err)
		}
		c.slot.Store(int32(res.slot))
		return c
	}

	alice := join("alice")
	room.handleLeave(alice)
	bob := join("bob")
	if bob.Slot() != alice.Slot() {
		t.Fatalf("bob slot = %d, want reused slot %d", bob.Slot(), alice.Slot())
	}

	tests := []struct {
		name string
		conn *Connection
		want bool
	}{
		{"queued update from departed connection", alice, false},
		{"update from current occupant", bob, true},
	}
	for _, tt := range tests {
		room.applyState(stateUpdate{conn: tt.conn, slot: tt.conn.Slot(), state: protocol.PlayerState{Checkpoint: 7}})
		if got := room.hasState[bob.Slot()]; got != tt.want {
			t.Fatalf("%s: hasState = %v, want %v", tt.name, got, tt.want)
		}
	}
	if room.states[bob.Slot()].Checkpoint != 7 {
		t.Fatalf("state = %+v", room.states[bob.Slot()])
	}
}
