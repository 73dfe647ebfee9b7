package fit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	herrors "github.com/healthdb/healthdb/internal/errors"
)

// Decoder turns a raw input into a decoded file.
type Decoder interface {
	Decode(r io.Reader) (*File, error)
}

// DecodeFile opens path and decodes it with d.
func DecodeFile(d Decoder, path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, herrors.NewIngestError(herrors.CodeParseError, fmt.Sprintf("open %s", path), err)
	}
	defer f.Close()

	file, err := d.Decode(f)
	if err != nil {
		return nil, err
	}
	file.Path = path
	return file, nil
}

// JSONDecoder reads files of decoded messages exported as JSON:
//
//	{"messages": [{"type": "record", "fields": {...}, "developer_fields": {...}}]}
//
// Integral numbers become int64 and other numbers float64. RFC 3339
// strings become times, and numeric fields whose name ends in "_time" are
// seconds and become durations.
type JSONDecoder struct {
	// SkipInvalid drops messages without a type instead of failing the file
	SkipInvalid bool
}

type jsonFile struct {
	Messages []jsonMessage `json:"messages"`
}

type jsonMessage struct {
	Type            string                     `json:"type"`
	Fields          map[string]json.RawMessage `json:"fields"`
	DeveloperFields map[string]json.RawMessage `json:"developer_fields"`
}

// Decode implements Decoder.
func (d JSONDecoder) Decode(r io.Reader) (*File, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var raw jsonFile
	if err := dec.Decode(&raw); err != nil {
		return nil, herrors.NewIngestError(herrors.CodeParseError, "decode message file", err)
	}

	file := &File{Messages: make([]Message, 0, len(raw.Messages))}
	for i, jm := range raw.Messages {
		msg, err := convertMessage(jm)
		if err != nil {
			if d.SkipInvalid {
				continue
			}
			return nil, herrors.NewIngestError(herrors.CodeParseError,
				fmt.Sprintf("message %d", i), err)
		}
		file.Messages = append(file.Messages, msg)
	}
	return file, nil
}

func convertMessage(jm jsonMessage) (Message, error) {
	if jm.Type == "" {
		return Message{}, fmt.Errorf("message has no type")
	}
	msg := Message{
		Type:   MessageType(jm.Type),
		Fields: make(map[string]any, len(jm.Fields)+len(jm.DeveloperFields)),
	}
	for name, raw := range jm.Fields {
		v, err := convertValue(name, raw)
		if err != nil {
			return Message{}, err
		}
		msg.Fields[name] = v
	}
	for name, raw := range jm.DeveloperFields {
		v, err := convertValue(name, raw)
		if err != nil {
			return Message{}, err
		}
		msg.Fields[DevPrefix+strings.TrimPrefix(name, DevPrefix)] = v
	}
	return msg, nil
}

func convertValue(name string, raw json.RawMessage) (any, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("field %s: %w", name, err)
	}
	return normalize(name, v)
}

func normalize(name string, v any) (any, error) {
	switch tv := v.(type) {
	case json.Number:
		if strings.HasSuffix(name, "_time") {
			f, err := tv.Float64()
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", name, err)
			}
			return time.Duration(f * float64(time.Second)), nil
		}
		if i, err := tv.Int64(); err == nil {
			return i, nil
		}
		f, err := tv.Float64()
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		return f, nil
	case string:
		if t, err := time.Parse(time.RFC3339Nano, tv); err == nil {
			return t, nil
		}
		return tv, nil
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			n, err := normalize(name, e)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	}
	return v, nil
}
