package main

import (
	"flag"
	"fmt"
	"image/color"
	"log"
	"math"
	"time"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/text/v2"
	"github.com/hajimehoshi/ebiten/v2/vector"
	"golang.org/x/image/font/basicfont"

	"racesync/internal/client"
	"racesync/pkg/auth"
	"racesync/pkg/control"
	"racesync/pkg/interp"
	"racesync/pkg/protocol"
)

const (
	ScreenWidth  = 960
	ScreenHeight = 640
	FPS          = 60

	moveSpeed = 160.0 // 单位/秒
	turnSpeed = 3.0   // 弧度/秒
)

var hudFont = text.NewGoXFace(basicfont.Face7x13)

type remote struct {
	name string
	it   *interp.Interpolator
}

// Viewer 调试查看器：WASD 控制本地玩家，远端玩家按插值结果绘制
type Viewer struct {
	transport *client.Transport
	bridge    *client.Bridge
	pool      *interp.Pool
	remotes   map[client.EntityID]*remote

	x, z, yaw  float64
	speed      float64
	checkpoint uint8
	status     string
}

func NewViewer(tr *client.Transport) *Viewer {
	v := &Viewer{
		transport: tr,
		pool:      interp.NewPool(protocol.MaxBatchPlayers * 24),
		remotes:   make(map[client.EntityID]*remote),
		x:         ScreenWidth / 2,
		z:         ScreenHeight / 2,
		status:    "connecting",
	}
	v.bridge = client.NewBridge(tr.InboundBuffer(), v.push)

	tr.OnOpen(func(slot int) { v.status = fmt.Sprintf("open, slot %d", slot) })
	tr.OnReconnect(func(slot int) { v.status = fmt.Sprintf("reconnected, slot %d", slot) })
	tr.OnClose(func(reason client.CloseReason, err error) {
		v.status = "closed: " + reason.String()
		v.clearRemotes()
	})
	tr.OnReconnectAttempt(func(attempt int, delay time.Duration) {
		v.status = fmt.Sprintf("reconnect #%d in %v", attempt, delay)
	})
	tr.OnGaveUp(func(attempts int) { v.status = fmt.Sprintf("gave up after %d attempts (R to retry)", attempts) })
	tr.OnMessage(v.handleMessage)
	return v
}

func (v *Viewer) push(id client.EntityID, s interp.Snapshot) {
	if r, ok := v.remotes[id]; ok {
		r.it.Push(s)
	}
}

func (v *Viewer) handleMessage(msg control.Message) {
	slot, ok := msg.Number("slot")
	if !ok || slot < 0 || slot >= protocol.MaxBatchPlayers {
		return
	}
	id := client.EntityID(slot) + 1

	switch msg.Type {
	case control.TypeJoin:
		name, _ := msg.Text("name")
		if r, ok := v.remotes[id]; ok {
			r.it.Reset()
		}
		v.remotes[id] = &remote{name: name, it: interp.New(interp.DefaultConfig(), v.pool)}
		v.bridge.Map(uint8(slot), id)
	case control.TypeLeave:
		if r, ok := v.remotes[id]; ok {
			r.it.Reset()
			delete(v.remotes, id)
		}
		v.bridge.Unmap(uint8(slot))
	}
}

func (v *Viewer) clearRemotes() {
	for id, r := range v.remotes {
		r.it.Reset()
		v.bridge.Unmap(uint8(id - 1))
		delete(v.remotes, id)
	}
}

func (v *Viewer) Update() error {
	v.transport.Dispatch()
	v.bridge.Poll()

	dt := 1.0 / FPS
	if ebiten.IsKeyPressed(ebiten.KeyA) {
		v.yaw -= turnSpeed * dt
	}
	if ebiten.IsKeyPressed(ebiten.KeyD) {
		v.yaw += turnSpeed * dt
	}
	v.speed = 0
	if ebiten.IsKeyPressed(ebiten.KeyW) {
		v.speed = moveSpeed
	}
	if ebiten.IsKeyPressed(ebiten.KeyS) {
		v.speed = -moveSpeed / 2
	}
	v.yaw = interp.ShortestAngle(v.yaw)
	v.x = math.Mod(v.x+math.Cos(v.yaw)*v.speed*dt+ScreenWidth, ScreenWidth)
	v.z = math.Mod(v.z+math.Sin(v.yaw)*v.speed*dt+ScreenHeight, ScreenHeight)

	if ebiten.IsKeyPressed(ebiten.KeyR) && v.transport.State() == client.StateGaveUp {
		if err := v.transport.Reconnect(); err != nil {
			v.status = err.Error()
		}
	}

	v.transport.SendPosition(protocol.Vec3{X: float32(v.x), Z: float32(v.z)},
		float32(v.yaw), 0, float32(math.Abs(v.speed)), v.checkpoint)
	return nil
}

func (v *Viewer) Draw(screen *ebiten.Image) {
	screen.Fill(color.RGBA{24, 28, 36, 255})

	for _, r := range v.remotes {
		pose, ok := r.it.Sample()
		if !ok {
			continue
		}
		drawCar(screen, float32(pose.Pos.X), float32(pose.Pos.Z), pose.Yaw, color.RGBA{230, 90, 80, 255})
		label(screen, r.name, pose.Pos.X-12, pose.Pos.Z-24)
	}
	drawCar(screen, float32(v.x), float32(v.z), v.yaw, color.RGBA{80, 200, 120, 255})

	hud := fmt.Sprintf("%s | latency %v | remotes %d | unmapped %d",
		v.status, v.transport.Latency(), len(v.remotes), v.bridge.UnmappedCount())
	label(screen, hud, 8, 8)
}

func (v *Viewer) Layout(outsideWidth, outsideHeight int) (int, int) {
	return ScreenWidth, ScreenHeight
}

func drawCar(screen *ebiten.Image, x, y float32, yaw float64, clr color.Color) {
	vector.DrawFilledCircle(screen, x, y, 10, clr, true)
	nx := x + float32(math.Cos(yaw))*16
	ny := y + float32(math.Sin(yaw))*16
	vector.StrokeLine(screen, x, y, nx, ny, 3, color.White, true)
}

func label(screen *ebiten.Image, msg string, x, y float64) {
	options := &text.DrawOptions{}
	options.GeoM.Translate(x, y)
	options.ColorScale.ScaleWithColor(color.White)
	text.Draw(screen, msg, hudFont, options)
}

func main() {
	addr := flag.String("addr", "tcp://127.0.0.1:8080", "服务器地址 (kcp:// tcp:// ws://)")
	name := flag.String("name", "player", "玩家名")
	token := flag.String("token", "", "会话凭证，为空时用本地 JWT_SECRET 签发")
	format := flag.String("format", "json", "控制通道格式: json / msgpack / protobuf")
	flag.Parse()

	cfg := client.DefaultConfig()
	f, err := control.ParseFormat(*format)
	if err != nil {
		log.Fatal(err)
	}
	cfg.ControlFormat = f

	credential := *token
	if credential == "" {
		credential, err = auth.GenerateToken(auth.SigningKey(), *name, "", auth.DefaultTTL)
		if err != nil {
			log.Fatalf("签发凭证失败: %v", err)
		}
	}

	tr := client.NewTransport(cfg)
	if err := tr.Connect(*addr, credential); err != nil {
		log.Fatalf("连接服务器失败: %v", err)
	}
	defer tr.Disconnect()

	// 设置窗口选项
	ebiten.SetWindowSize(ScreenWidth, ScreenHeight)
	ebiten.SetWindowTitle("RaceSync - " + *name)
	ebiten.SetWindowResizingMode(ebiten.WindowResizingModeDisabled)
	ebiten.SetTPS(FPS)

	if err := ebiten.RunGame(NewViewer(tr)); err != nil {
		log.Fatal(err)
	}
}
