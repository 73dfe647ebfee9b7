// Package fit is the local adapter around decoded device-protocol files. It
// exposes decoded messages as typed field maps and hides which decoder
// produced them.
package fit

import (
	"sort"
	"strings"
)

// AdapterVersion is bumped whenever the decoded message shape changes.
const AdapterVersion = 1

// DevPrefix marks fields reported by developer (third-party sensor) data.
const DevPrefix = "dev_"

// MessageType is the global message name of a decoded message.
type MessageType string

const (
	FileID         MessageType = "file_id"
	FileCreator    MessageType = "file_creator"
	DeviceInfo     MessageType = "device_info"
	Session        MessageType = "session"
	Lap            MessageType = "lap"
	Record         MessageType = "record"
	Sport          MessageType = "sport"
	Event          MessageType = "event"
	Activity       MessageType = "activity"
	HRV            MessageType = "hrv"
	UserProfile    MessageType = "user_profile"
	DeviceSettings MessageType = "device_settings"
	ZonesTarget    MessageType = "zones_target"
	Software       MessageType = "software"
	MonitoringInfo MessageType = "monitoring_info"
	Monitoring     MessageType = "monitoring"
	DeveloperData  MessageType = "developer_data_id"
	FieldDesc      MessageType = "field_description"
)

var knownTypes = map[MessageType]bool{
	FileID: true, FileCreator: true, DeviceInfo: true, Session: true, Lap: true,
	Record: true, Sport: true, Event: true, Activity: true, HRV: true,
	UserProfile: true, DeviceSettings: true, ZonesTarget: true, Software: true,
	MonitoringInfo: true, Monitoring: true, DeveloperData: true, FieldDesc: true,
}

// IsKnown reports whether t is a message type of the protocol profile.
// Manufacturer extension types and unnamed numeric types are not.
func (t MessageType) IsKnown() bool {
	return knownTypes[t]
}

// Message is one decoded message. Developer fields are stored under their
// name prefixed with DevPrefix.
type Message struct {
	Type   MessageType
	Fields map[string]any
}

// Get returns the value of a field if it is present and non-nil.
func (m Message) Get(name string) (any, bool) {
	v, ok := m.Fields[name]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// FieldNames returns the message's field names, sorted.
func (m Message) FieldNames() []string {
	names := make([]string, 0, len(m.Fields))
	for k := range m.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// IsDeveloperField reports whether name carries the developer prefix.
func IsDeveloperField(name string) bool {
	return strings.HasPrefix(name, DevPrefix)
}

// File is a decoded file: its messages in source order.
type File struct {
	Path     string
	Messages []Message
}

// Types returns the message types in the order they first appear.
func (f *File) Types() []MessageType {
	seen := make(map[MessageType]bool)
	var out []MessageType
	for _, m := range f.Messages {
		if !seen[m.Type] {
			seen[m.Type] = true
			out = append(out, m.Type)
		}
	}
	return out
}

// ByType groups the messages by type, preserving source order within each
// type.
func (f *File) ByType() map[MessageType][]Message {
	out := make(map[MessageType][]Message)
	for _, m := range f.Messages {
		out[m.Type] = append(out[m.Type], m)
	}
	return out
}
