// Package control 实现低频控制通道（ping/pong、握手、事件）的帧格式
//
// 帧: [u32 length LE][u8 format][payload]，length 包含格式字节。
// payload 可以是 JSON 文本、msgpack 映射或 protobuf Struct，三者承载同一个 {type, data} 结构。
package control

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Format 负载序列化格式标记
type Format byte

const (
	FormatJSON     Format = 0x01
	FormatMsgpack  Format = 0x02
	FormatProtobuf Format = 0x03
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatMsgpack:
		return "msgpack"
	case FormatProtobuf:
		return "protobuf"
	default:
		return fmt.Sprintf("format(%#x)", byte(f))
	}
}

// ParseFormat 解析配置中的格式名
func ParseFormat(name string) (Format, error) {
	switch name {
	case "", "json":
		return FormatJSON, nil
	case "msgpack":
		return FormatMsgpack, nil
	case "protobuf", "proto":
		return FormatProtobuf, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, name)
	}
}

// MaxFrameSize 控制帧最大长度
const MaxFrameSize = 64 << 10

var (
	ErrFrameTooLarge = errors.New("控制帧过大")
	ErrUnknownFormat = errors.New("未知的控制帧格式")
	ErrEmptyFrame    = errors.New("空控制帧")
	// ErrMalformed 帧长度正确但负载无法解析
	ErrMalformed = errors.New("控制帧负载格式错误")
)

// 常用消息类型
const (
	TypePing    = "ping"
	TypePong    = "pong"
	TypeHello   = "hello"
	TypeWelcome = "welcome"
	TypeError   = "error"
	TypeJoin    = "join"
	TypeLeave   = "leave"
)

// Message 控制消息
type Message struct {
	Type string                 `json:"type" msgpack:"type"`
	Data map[string]interface{} `json:"data,omitempty" msgpack:"data,omitempty"`
}

// Marshal 按格式序列化消息负载
func Marshal(format Format, msg Message) ([]byte, error) {
	switch format {
	case FormatJSON:
		return json.Marshal(msg)
	case FormatMsgpack:
		return msgpack.Marshal(&msg)
	case FormatProtobuf:
		fields := map[string]interface{}{"type": msg.Type}
		if msg.Data != nil {
			fields["data"] = msg.Data
		}
		st, err := structpb.NewStruct(fields)
		if err != nil {
			return nil, fmt.Errorf("构造 Struct 失败: %w", err)
		}
		return proto.Marshal(st)
	default:
		return nil, ErrUnknownFormat
	}
}

// Unmarshal 按格式解析消息负载
func Unmarshal(format Format, payload []byte) (Message, error) {
	var msg Message
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(payload, &msg); err != nil {
			return Message{}, err
		}
	case FormatMsgpack:
		if err := msgpack.Unmarshal(payload, &msg); err != nil {
			return Message{}, err
		}
	case FormatProtobuf:
		st := &structpb.Struct{}
		if err := proto.Unmarshal(payload, st); err != nil {
			return Message{}, err
		}
		fields := st.AsMap()
		msg.Type, _ = fields["type"].(string)
		msg.Data, _ = fields["data"].(map[string]interface{})
	default:
		return Message{}, ErrUnknownFormat
	}
	return msg, nil
}

// WriteFrame 写出一帧
func WriteFrame(w io.Writer, format Format, msg Message) error {
	payload, err := Marshal(format, msg)
	if err != nil {
		return fmt.Errorf("序列化控制消息失败: %w", err)
	}
	if len(payload)+1 > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, 5+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)+1))
	frame[4] = byte(format)
	copy(frame[5:], payload)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("发送控制帧失败: %w", err)
	}
	return nil
}

// ReadFrame 读取一帧
//
// 读取失败（含超长帧）返回的错误意味着流已不可用；负载解析失败返回 ErrMalformed 包装的错误，
// 此时流仍然对齐，调用方可以丢弃该帧继续读。
func ReadFrame(r io.Reader) (Message, Format, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Message{}, 0, err
	}
	length := binary.LittleEndian.Uint32(header[:])
	if length == 0 {
		return Message{}, 0, ErrEmptyFrame
	}
	if length > MaxFrameSize {
		return Message{}, 0, fmt.Errorf("%w (%d bytes)", ErrFrameTooLarge, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, 0, fmt.Errorf("读取控制帧失败: %w", err)
	}

	format := Format(body[0])
	msg, err := Unmarshal(format, body[1:])
	if err != nil {
		return Message{}, format, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return msg, format, nil
}

// Number 读取数值字段，兼容 JSON/Struct 的 float64 与 msgpack 的整数类型
func (m Message) Number(key string) (float64, bool) {
	switch v := m.Data[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	default:
		return 0, false
	}
}

// Text 读取字符串字段
func (m Message) Text(key string) (string, bool) {
	s, ok := m.Data[key].(string)
	return s, ok
}
