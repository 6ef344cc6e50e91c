package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidEvent は操作履歴として記録できないイベントを表す。
	ErrInvalidEvent = errors.New("invalid account event")
	// ErrUnknownType はEventTypeまたはAggregateTypeが未知であることを表す。
	ErrUnknownType = errors.New("unknown event type")
)

// New は操作履歴に追記するイベントを組み立てる。
// versionは対象ごとの連番で1以上。dataは種別ごとの構造体で、JSONとして保存される。
// CreatedAtは現在時刻で、ストアが保存時に上書きしてよい。
func New(aggregateID string, aggregateType AggregateType, eventType Type, version int64, data any) (*Event, error) {
	switch {
	case aggregateID == "":
		return nil, fmt.Errorf("%w: 対象IDが空です (%s)", ErrInvalidEvent, eventType)
	case version < 1:
		return nil, fmt.Errorf("%w: バージョンは1以上です (version=%d)", ErrInvalidEvent, version)
	case !aggregateType.Valid():
		return nil, fmt.Errorf("%w: 対象の種別 %q", ErrUnknownType, aggregateType)
	case !eventType.Valid():
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, eventType)
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s のデータを保存形式に変換できません: %v", ErrInvalidEvent, eventType, err)
	}

	return &Event{
		ID:            uuid.NewString(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Data:          payload,
		Version:       version,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// DecodeData は操作履歴のDataを種別ごとの構造体として読み出す。
func DecodeData[T any](e *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("%s のデータを読み出せません: %w", e.EventType, err)
	}
	return &data, nil
}
