// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package servicebus

import (
	"time"
)

type (
	OptionKey string

	Option struct {
		Key   OptionKey
		Value any
	}

	OptionsBuilder struct {
		options []*Option
	}
)

const (
	OptionApplicationPropertiesKey OptionKey = "ApplicationProperties"
	OptionSessionIDKey             OptionKey = "SessionID"
	OptionTimeToLiveKey            OptionKey = "TimeToLive"
	OptionScheduledEnqueueTimeKey  OptionKey = "ScheduledEnqueueTime"
	OptionCorrelationIDKey         OptionKey = "CorrelationID"
	OptionSubjectKey               OptionKey = "Subject"
	OptionContentTypeKey           OptionKey = "ContentType"
	OptionMessageIDKey             OptionKey = "MessageID"
)

func NewOption() *OptionsBuilder {
	return &OptionsBuilder{options: []*Option{}}
}

func (b *OptionsBuilder) WithOption(option *Option) *OptionsBuilder {
	b.options = append(b.options, option)
	return b
}

func (b *OptionsBuilder) WithApplicationProperties(props map[string]any) *OptionsBuilder {
	b.options = append(b.options, &Option{Key: OptionApplicationPropertiesKey, Value: props})
	return b
}

func (b *OptionsBuilder) WithSessionID(sessionID string) *OptionsBuilder {
	b.options = append(b.options, &Option{Key: OptionSessionIDKey, Value: sessionID})
	return b
}

func (b *OptionsBuilder) WithTimeToLive(ttl time.Duration) *OptionsBuilder {
	b.options = append(b.options, &Option{Key: OptionTimeToLiveKey, Value: ttl})
	return b
}

func (b *OptionsBuilder) WithScheduledEnqueueTime(at time.Time) *OptionsBuilder {
	b.options = append(b.options, &Option{Key: OptionScheduledEnqueueTimeKey, Value: at})
	return b
}

func (b *OptionsBuilder) WithCorrelationID(id string) *OptionsBuilder {
	b.options = append(b.options, &Option{Key: OptionCorrelationIDKey, Value: id})
	return b
}

func (b *OptionsBuilder) WithSubject(subject string) *OptionsBuilder {
	b.options = append(b.options, &Option{Key: OptionSubjectKey, Value: subject})
	return b
}

func (b *OptionsBuilder) WithContentType(contentType string) *OptionsBuilder {
	b.options = append(b.options, &Option{Key: OptionContentTypeKey, Value: contentType})
	return b
}

func (b *OptionsBuilder) WithMessageID(id string) *OptionsBuilder {
	b.options = append(b.options, &Option{Key: OptionMessageIDKey, Value: id})
	return b
}

func (b *OptionsBuilder) Build() []*Option {
	return b.options
}

// applyOptions copies the recognized options onto msg. Options with an unexpected value
// type are ignored.
func applyOptions(msg *Message, options []*Option) {
	for _, o := range options {
		if o == nil {
			continue
		}

		switch o.Key {
		case OptionApplicationPropertiesKey:
			if props, ok := o.Value.(map[string]any); ok {
				for k, v := range props {
					msg.ApplicationProperties[k] = v
				}
			}
		case OptionSessionIDKey:
			if v, ok := o.Value.(string); ok {
				msg.SessionID = v
			}
		case OptionTimeToLiveKey:
			if v, ok := o.Value.(time.Duration); ok {
				msg.TimeToLive = v
			}
		case OptionScheduledEnqueueTimeKey:
			if v, ok := o.Value.(time.Time); ok {
				msg.ScheduledEnqueueTime = &v
			}
		case OptionCorrelationIDKey:
			if v, ok := o.Value.(string); ok {
				msg.CorrelationID = v
			}
		case OptionSubjectKey:
			if v, ok := o.Value.(string); ok {
				msg.Subject = v
			}
		case OptionContentTypeKey:
			if v, ok := o.Value.(string); ok {
				msg.ContentType = v
			}
		case OptionMessageIDKey:
			if v, ok := o.Value.(string); ok {
				msg.MessageID = v
			}
		}
	}
}
