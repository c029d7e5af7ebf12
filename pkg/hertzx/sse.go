package hertzx

import (
	"encoding/json"

	"github.com/hertz-contrib/sse"
)

type SseSender struct {
	ss *sse.Stream
}

func NewSseSender(ss *sse.Stream) *SseSender {
	return &SseSender{ss: ss}
}

// Send 发送
func (s *SseSender) Send(data *sse.Event) error {
	return s.ss.Publish(data)
}

// BuildDataEvent 构建事件
func BuildDataEvent(data any) *sse.Event {
	if data == nil {
		return nil
	}
	if ev, ok := data.(*sse.Event); ok {
		return ev
	}
	if str, ok := data.(string); ok {
		return &sse.Event{Data: []byte(str)}
	}
	m, _ := json.Marshal(data)
	return &sse.Event{Data: m}
}
