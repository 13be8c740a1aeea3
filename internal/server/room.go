package server

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"sync"
	"time"

	"racesync/pkg/control"
	"racesync/pkg/protocol"
)

// Room 单场比赛：分配槽位，按固定频率广播所有玩家的最新位置
//
// 槽位表只由 Run 协程访问，其他协程通过通道提交请求。
type Room struct {
	ctx    context.Context
	cancel context.CancelFunc

	start      time.Time
	tickRate   int
	maxPlayers int

	connections [protocol.MaxBatchPlayers]*Connection
	states      [protocol.MaxBatchPlayers]protocol.PlayerState
	hasState    [protocol.MaxBatchPlayers]bool
	bots        [protocol.MaxBatchPlayers]*Bot
	players     int
	records     []protocol.PlayerRecord

	joinCh  chan joinRequest
	leaveCh chan *Connection
	stateCh chan stateUpdate
	relayCh chan relayMessage
}

type joinRequest struct {
	conn   *Connection
	respCh chan joinResult
}

type joinResult struct {
	slot int
	err  error
}

type stateUpdate struct {
	conn  *Connection
	slot  int
	state protocol.PlayerState
}

type relayMessage struct {
	from int
	msg  control.Message
}

func NewRoom(parent context.Context, tickRate, maxPlayers, bots int) *Room {
	ctx, cancel := context.WithCancel(parent)

	r := &Room{
		ctx:        ctx,
		cancel:     cancel,
		start:      time.Now(),
		tickRate:   tickRate,
		maxPlayers: maxPlayers,
		records:    make([]protocol.PlayerRecord, 0, protocol.MaxBatchPlayers),
		joinCh:     make(chan joinRequest),
		leaveCh:    make(chan *Connection, 64),
		stateCh:    make(chan stateUpdate, 256),
		relayCh:    make(chan relayMessage, 64),
	}

	// AI 车手占用末尾的槽位
	for i := 0; i < bots && i < maxPlayers; i++ {
		slot := maxPlayers - 1 - i
		r.bots[slot] = newBot(slot, i)
		r.players++
	}
	return r
}

func (r *Room) Run(wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(time.Second / time.Duration(r.tickRate))
	defer ticker.Stop()

	log.Printf("房间循环启动: %d TPS", r.tickRate)

	for {
		select {
		case <-r.ctx.Done():
			log.Println("房间循环停止")
			return

		case req := <-r.joinCh:
			r.handleJoin(req)

		case conn := <-r.leaveCh:
			r.handleLeave(conn)

		case up := <-r.stateCh:
			r.applyState(up)

		case rm := <-r.relayCh:
			r.broadcastControl(rm.msg, rm.from)

		case <-ticker.C:
			r.stepBots()
			r.broadcastPositions()
		}
	}
}

func (r *Room) Shutdown() {
	r.cancel()
}

// ServerTimeMs 自房间启动以来的毫秒数
func (r *Room) ServerTimeMs() uint32 {
	return uint32(time.Since(r.start).Milliseconds())
}

// Join 分配槽位，房间已满时返回错误
func (r *Room) Join(conn *Connection) (int, error) {
	respCh := make(chan joinResult, 1)

	select {
	case <-r.ctx.Done():
		return -1, fmt.Errorf("房间已关闭")
	case r.joinCh <- joinRequest{conn: conn, respCh: respCh}:
	}

	select {
	case <-r.ctx.Done():
		return -1, fmt.Errorf("房间已关闭")
	case res := <-respCh:
		return res.slot, res.err
	}
}

func (r *Room) Leave(conn *Connection) {
	select {
	case <-r.ctx.Done():
	case r.leaveCh <- conn:
	}
}

func (r *Room) UpdateState(conn *Connection, state protocol.PlayerState) {
	select {
	case <-r.ctx.Done():
	case r.stateCh <- stateUpdate{conn: conn, slot: conn.Slot(), state: state}:
	}
}

// applyState 只接受当前占用该槽位的连接发来的状态，
// 已离开的旧连接排在队列里的更新会被丢弃
func (r *Room) applyState(up stateUpdate) {
	if up.slot < 0 || up.slot >= len(r.connections) || r.connections[up.slot] != up.conn {
		return
	}
	r.states[up.slot] = up.state
	r.hasState[up.slot] = true
}

// Relay 把一条控制事件转发给其他玩家
func (r *Room) Relay(from int, msg control.Message) {
	select {
	case <-r.ctx.Done():
	case r.relayCh <- relayMessage{from: from, msg: msg}:
	}
}

func (r *Room) handleJoin(req joinRequest) {
	if r.players >= r.maxPlayers {
		req.respCh <- joinResult{slot: -1, err: fmt.Errorf("服务器已满 (%d/%d)", r.players, r.maxPlayers)}
		return
	}

	slot := -1
	for i := 0; i < r.maxPlayers; i++ {
		if r.connections[i] == nil && r.bots[i] == nil {
			slot = i
			break
		}
	}

	// 先把已在场的玩家告诉新玩家
	for i, c := range r.connections {
		if c != nil {
			req.conn.SendControl(joinMessage(i, c.Name()))
		}
	}
	for i, b := range r.bots {
		if b != nil {
			req.conn.SendControl(joinMessage(i, b.name))
		}
	}

	r.connections[slot] = req.conn
	r.hasState[slot] = false
	r.players++
	req.respCh <- joinResult{slot: slot}

	r.broadcastControl(joinMessage(slot, req.conn.Name()), slot)
	log.Printf("玩家 %s 加入, 槽位 %d (%d/%d)", req.conn.Name(), slot, r.players, r.maxPlayers)
}

func (r *Room) handleLeave(conn *Connection) {
	slot := conn.Slot()
	if slot < 0 || slot >= len(r.connections) || r.connections[slot] != conn {
		return
	}
	r.connections[slot] = nil
	r.hasState[slot] = false
	r.players--

	r.broadcastControl(control.Message{
		Type: control.TypeLeave,
		Data: map[string]interface{}{"slot": slot},
	}, slot)
	log.Printf("玩家 %s 离开, 槽位 %d (%d/%d)", conn.Name(), slot, r.players, r.maxPlayers)
}

func (r *Room) stepBots() {
	dt := 1.0 / float64(r.tickRate)
	for slot, b := range r.bots {
		if b == nil {
			continue
		}
		r.states[slot] = b.Step(dt)
		r.hasState[slot] = true
	}
}

// broadcastPositions 给每个玩家发送其他玩家的位置批次
//
// 没有其他玩家时也发送空批次，客户端据此判断链路存活。
func (r *Room) broadcastPositions() {
	now := r.ServerTimeMs()

	for target, conn := range r.connections {
		if conn == nil {
			continue
		}

		r.records = r.records[:0]
		for slot, ok := range r.hasState {
			if !ok || slot == target {
				continue
			}
			r.records = append(r.records, protocol.PlayerRecord{
				Slot:         uint8(slot),
				State:        r.states[slot],
				ServerTimeMs: now,
			})
		}

		size := protocol.BatchSize(len(r.records))
		buf := make([]byte, 2+size)
		binary.LittleEndian.PutUint16(buf[:2], uint16(size))
		protocol.EncodeBatch(buf[2:], r.records)
		conn.SendPosition(buf)
	}
}

func (r *Room) broadcastControl(msg control.Message, except int) {
	for slot, conn := range r.connections {
		if conn == nil || slot == except {
			continue
		}
		conn.SendControl(msg)
	}
}

func joinMessage(slot int, name string) control.Message {
	return control.Message{
		Type: control.TypeJoin,
		Data: map[string]interface{}{"slot": slot, "name": name},
	}
}
