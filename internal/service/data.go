package service

import (
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"
)

// DataKind 是通知附加数据的类型标签。
type DataKind string

const (
	KindChatConsolidation DataKind = "chat_consolidation"
	KindMention           DataKind = "mention"
	KindPositionEvent     DataKind = "position_event"
	KindGeneric           DataKind = "generic"
)

// Data is the typed payload attached to a notification.
type Data interface {
	Kind() DataKind
}

type ChatConsolidation struct {
	FromUsername string   `json:"fromUsername"`
	MessageList  []string `json:"messageList"`
	Count        int      `json:"count"`
}

type Mention struct {
	FromUsername string `json:"fromUsername"`
	Room         string `json:"room"`
	MessageID    uint64 `json:"messageId"`
	Preview      string `json:"preview"`
}

type PositionEvent struct {
	PositionNo string `json:"positionNo"`
	Actor      string `json:"actor"`
}

type Generic struct {
	Fields map[string]any `json:"fields"`
}

func (ChatConsolidation) Kind() DataKind { return KindChatConsolidation }
func (Mention) Kind() DataKind           { return KindMention }
func (PositionEvent) Kind() DataKind     { return KindPositionEvent }
func (Generic) Kind() DataKind           { return KindGeneric }

type envelope struct {
	Kind  DataKind        `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// EncodeData 序列化为 {"kind": ..., "value": {...}}；nil 返回空列值。
func EncodeData(d Data) (datatypes.JSON, error) {
	if d == nil {
		return nil, nil
	}
	v, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Kind: d.Kind(), Value: v})
}

func DecodeData(raw datatypes.JSON) (Data, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	switch env.Kind {
	case KindChatConsolidation:
		return decode[ChatConsolidation](env.Value)
	case KindMention:
		return decode[Mention](env.Value)
	case KindPositionEvent:
		return decode[PositionEvent](env.Value)
	case KindGeneric:
		return decode[Generic](env.Value)
	}
	return nil, fmt.Errorf("unknown notification data kind %q", env.Kind)
}

func decode[T Data](raw json.RawMessage) (Data, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
