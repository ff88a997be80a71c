package events

import "shunt/backend/domain"

// EventType 事件类型
type EventType string

const (
	// 存储事件（任意键写入/删除）
	EventStoreChanged EventType = "store.changed"

	// Profile 事件
	EventProfileCreated EventType = "profile.created"
	EventProfileUpdated EventType = "profile.updated"
	EventProfileDeleted EventType = "profile.deleted"

	// 选择事件
	EventPrimaryChanged  EventType = "selection.primary_changed"
	EventCategoryChanged EventType = "selection.category_changed"

	// 通知（面向外层服务/界面的离散信号）
	EventStartSuccess    EventType = "notify.start_success"
	EventStartFailure    EventType = "notify.start_failure"
	EventStopSuccess     EventType = "notify.stop_success"
	EventStateRunning    EventType = "notify.running"
	EventStateNotRunning EventType = "notify.not_running"
	EventDelayMeasured   EventType = "notify.delay_measured"
	EventTrafficStats    EventType = "notify.traffic_stats"

	// 系统信号（亮屏/熄屏/解锁），由外层转发
	EventSystemSignal EventType = "system.signal"

	// 通配符事件（用于订阅所有事件）
	EventAll EventType = "*"
)

// Event 事件接口
type Event interface {
	Type() EventType
}

// StoreEvent 键值写入事件
type StoreEvent struct {
	EventType EventType
	Key       string
}

func (e StoreEvent) Type() EventType { return e.EventType }

// ProfileEvent Profile 事件
type ProfileEvent struct {
	EventType EventType
	GUID      string
	Profile   domain.ServerProfile
}

func (e ProfileEvent) Type() EventType { return e.EventType }

// SelectionEvent 选择变更事件
type SelectionEvent struct {
	EventType EventType
	Category  domain.CategoryTag
	GUID      string
}

func (e SelectionEvent) Type() EventType { return e.EventType }

// Notification 带可选字符串载荷的通知
type Notification struct {
	EventType EventType
	Payload   string
}

func (e Notification) Type() EventType { return e.EventType }

// SystemSignal 系统信号名
type SystemSignal string

const (
	SignalScreenOn    SystemSignal = "screen_on"
	SignalScreenOff   SystemSignal = "screen_off"
	SignalUserPresent SystemSignal = "user_present"
)

// ParseSystemSignal 解析信号名，未知信号返回 false
func ParseSystemSignal(raw string) (SystemSignal, bool) {
	switch s := SystemSignal(raw); s {
	case SignalScreenOn, SignalScreenOff, SignalUserPresent:
		return s, true
	}
	return "", false
}

// SystemSignalEvent 系统信号事件
type SystemSignalEvent struct {
	Signal SystemSignal
}

func (e SystemSignalEvent) Type() EventType { return EventSystemSignal }

// IsNotification 判断事件类型是否属于对外通知
func IsNotification(t EventType) bool {
	switch t {
	case EventStartSuccess, EventStartFailure, EventStopSuccess,
		EventStateRunning, EventStateNotRunning, EventDelayMeasured, EventTrafficStats:
		return true
	}
	return false
}
