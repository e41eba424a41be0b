package feed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	xerrors "github.com/microsoft/planetary-computer-tasks/internal/errors"
	"github.com/microsoft/planetary-computer-tasks/internal/records"
)

// Event 是一次子记录写入产生的变更事件，Body 为写入后的完整记录。
type Event struct {
	ID          string             `json:"id"`
	Type        records.RecordType `json:"type"`
	Body        json.RawMessage    `json:"body"`
	PublishedAt time.Time          `json:"published_at"`
	// Attempt 记录已投递失败的次数，由消费者在重新入队时递增。
	Attempt int `json:"attempt,omitempty"`
}

// NewEvent 将记录封装为变更事件。
func NewEvent(rec records.Record) (Event, error) {
	if rec == nil {
		return Event{}, xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return Event{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码记录失败")
	}
	return Event{
		ID:          uuid.NewString(),
		Type:        rec.Keys().Type,
		Body:        body,
		PublishedAt: time.Now().UTC(),
	}, nil
}

// DecodeEvent 解析队列中的事件。
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析事件失败")
	}
	if ev.Type == "" {
		return Event{}, xerrors.New(xerrors.CodeInvalidArgument, "事件缺少 type")
	}
	return ev, nil
}

// Encode 将事件编码为 JSON。
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码事件失败")
	}
	return data, nil
}

// Handler 处理来自变更流的事件。
type Handler func(ctx context.Context, ev Event) error

// Producer 负责向变更流投递事件。
type Producer interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Consumer 负责从变更流中消费事件。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
