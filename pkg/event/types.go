package event

import (
	"encoding/json"
	"time"
)

// AggregateType はイベントの対象となるエンティティの種類を表す。
type AggregateType string

const (
	// AggregateTypeAccount はログイン可能なアカウントを表す。
	AggregateTypeAccount AggregateType = "Account"
	// AggregateTypeUserRecord はフォームから登録された利用者レコードを表す。
	AggregateTypeUserRecord AggregateType = "UserRecord"
)

// Valid は既知のAggregate種別かを返す。
func (a AggregateType) Valid() bool {
	return a == AggregateTypeAccount || a == AggregateTypeUserRecord
}

// Type はイベントの種類を表す。
type Type string

const (
	// TypeAccountRegistered はアカウントが登録されたことを表す。
	TypeAccountRegistered Type = "AccountRegistered"
	// TypeLoginSucceeded はログインに成功しトークンが発行されたことを表す。
	TypeLoginSucceeded Type = "LoginSucceeded"
	// TypeLoginFailed は既存アカウントに対するログインが失敗したことを表す。
	TypeLoginFailed Type = "LoginFailed"
	// TypeUserRecordCreated は利用者レコードが登録されたことを表す。
	TypeUserRecordCreated Type = "UserRecordCreated"
)

// Valid は既知のイベント種別かを返す。
func (t Type) Valid() bool {
	switch t {
	case TypeAccountRegistered, TypeLoginSucceeded, TypeLoginFailed, TypeUserRecordCreated:
		return true
	}
	return false
}

// Event はアカウントの操作履歴として追記される不変のレコードを表す。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// AggregateID は対象エンティティの識別子。
	AggregateID string `json:"aggregate_id"`
	// AggregateType は対象エンティティの種類。
	AggregateType AggregateType `json:"aggregate_type"`
	// EventType はイベントの種類。
	EventType Type `json:"event_type"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// Version はAggregate内でのイベントの順序番号。1から始まる。
	Version int64 `json:"version"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"created_at"`
}

// AccountRegisteredData はAccountRegisteredイベントのデータ。
type AccountRegisteredData struct {
	Email    string `json:"email"`
	ClientIP string `json:"client_ip"`
}

// LoginSucceededData はLoginSucceededイベントのデータ。
type LoginSucceededData struct {
	ClientIP string `json:"client_ip"`
	// ExpiresAt は発行したトークンの有効期限。
	ExpiresAt time.Time `json:"expires_at"`
}

// LoginFailedData はLoginFailedイベントのデータ。
type LoginFailedData struct {
	ClientIP string `json:"client_ip"`
}

// UserRecordCreatedData はUserRecordCreatedイベントのデータ。
type UserRecordCreatedData struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}
