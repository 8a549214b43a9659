package domain

import (
	"bytes"
	"encoding/json"
)

// Record — одно захваченное телеметрическое событие (один HTTP-запрос).
// Создается один раз после завершения хендлера и больше не меняется.
type Record struct {
	ServiceName string  `json:"serviceName"`
	Timestamp   int64   `json:"timestamp"` // epoch ms, момент начала запроса
	Method      string  `json:"method"`
	URL         string  `json:"url"`
	StatusCode  int     `json:"statusCode"`
	Duration    float64 `json:"duration"` // миллисекунды
	IP          string  `json:"ip"`
	UserAgent   string  `json:"userAgent"`
	Query       Fields  `json:"query"`
	Params      Fields  `json:"params"`
	Headers     Fields  `json:"headers"`
	Body        Body    `json:"body"`
}

// Field — пара ключ/значение упорядоченного словаря.
type Field struct {
	Key   string
	Value string
}

// Fields — упорядоченный словарь string→string.
// В JSON сериализуется объектом с сохранением порядка ключей.
type Fields []Field

// Get возвращает первое значение по ключу.
func (f Fields) Get(key string) (string, bool) {
	for _, kv := range f {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

func (f Fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, kv := range f {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(kv.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(kv.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON читает объект токенами, чтобы не потерять порядок ключей.
func (f *Fields) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*f = nil
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil {
		return err
	}

	out := Fields{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := tok.(string)

		var val string
		if err := dec.Decode(&val); err != nil {
			return err
		}
		out = append(out, Field{Key: key, Value: val})
	}
	*f = out
	return nil
}

// BodyKind описывает, в каком виде сохранено тело запроса.
type BodyKind uint8

const (
	BodyAbsent BodyKind = iota
	BodyJSON            // разобранные структурированные данные
	BodyRaw             // сырой текст
)

// Body — необязательное тело запроса: JSON, сырой текст или отсутствует.
type Body struct {
	kind BodyKind
	json json.RawMessage
	raw  string
}

func NoBody() Body { return Body{} }

// JSONBody ожидает уже провалидированный JSON.
func JSONBody(data json.RawMessage) Body {
	cp := make(json.RawMessage, len(data))
	copy(cp, data)
	return Body{kind: BodyJSON, json: cp}
}

func RawBody(text string) Body {
	return Body{kind: BodyRaw, raw: text}
}

func (b Body) Kind() BodyKind { return b.kind }

// JSON возвращает структурированное тело (nil для других видов).
func (b Body) JSON() json.RawMessage { return b.json }

// Raw возвращает сырой текст (пусто для других видов).
func (b Body) Raw() string { return b.raw }

func (b Body) MarshalJSON() ([]byte, error) {
	switch b.kind {
	case BodyJSON:
		return b.json, nil
	case BodyRaw:
		return json.Marshal(b.raw)
	default:
		return []byte("null"), nil
	}
}

func (b *Body) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
		*b = NoBody()
	case trimmed[0] == '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*b = RawBody(s)
	default:
		*b = JSONBody(json.RawMessage(trimmed))
	}
	return nil
}
