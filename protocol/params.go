// Package protocol defines the wire types shared by the gateway, shard
// actors, and SDK clients: SQL parameter variants, request and response
// envelopes, mutation and invalidation events, and the error taxonomy.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// ParamKind tags the dynamic type of a SQL parameter.
type ParamKind int

const (
	ParamNull ParamKind = iota
	ParamBool
	ParamInt
	ParamFloat
	ParamStr
	ParamBytes
)

// Param is a tagged SQL parameter. Its JSON encoding preserves the tag:
// Null encodes as `null` and every other kind as a single-key object,
// e.g. {"int":42} or {"bytes":"aGk="}. Decoding additionally accepts bare
// JSON scalars from thin clients, mapping integral numbers to Int and
// fractional ones to Float.
type Param struct {
	Kind  ParamKind
	Bool  bool
	Int   int64
	Float float64
	Str   string
	Bytes []byte
}

func NullParam() Param          { return Param{Kind: ParamNull} }
func BoolParam(b bool) Param    { return Param{Kind: ParamBool, Bool: b} }
func IntParam(i int64) Param    { return Param{Kind: ParamInt, Int: i} }
func FloatParam(f float64) Param { return Param{Kind: ParamFloat, Float: f} }
func StrParam(s string) Param   { return Param{Kind: ParamStr, Str: s} }
func BytesParam(b []byte) Param { return Param{Kind: ParamBytes, Bytes: b} }

// Value returns the parameter as a driver-compatible value for database/sql.
func (p Param) Value() interface{} {
	switch p.Kind {
	case ParamBool:
		return p.Bool
	case ParamInt:
		return p.Int
	case ParamFloat:
		return p.Float
	case ParamStr:
		return p.Str
	case ParamBytes:
		return p.Bytes
	default:
		return nil
	}
}

func (p Param) String() string {
	switch p.Kind {
	case ParamNull:
		return "null"
	case ParamBool:
		return fmt.Sprintf("%v", p.Bool)
	case ParamInt:
		return fmt.Sprintf("%d", p.Int)
	case ParamFloat:
		return fmt.Sprintf("%g", p.Float)
	case ParamStr:
		return p.Str
	case ParamBytes:
		return fmt.Sprintf("bytes[%d]", len(p.Bytes))
	default:
		return fmt.Sprintf("param[%d]", p.Kind)
	}
}

func (p Param) MarshalJSON() ([]byte, error) {
	switch p.Kind {
	case ParamNull:
		return []byte("null"), nil
	case ParamBool:
		return json.Marshal(struct {
			Bool bool `json:"bool"`
		}{p.Bool})
	case ParamInt:
		return json.Marshal(struct {
			Int int64 `json:"int"`
		}{p.Int})
	case ParamFloat:
		return json.Marshal(struct {
			Float float64 `json:"float"`
		}{p.Float})
	case ParamStr:
		return json.Marshal(struct {
			Str string `json:"str"`
		}{p.Str})
	case ParamBytes:
		return json.Marshal(struct {
			Bytes []byte `json:"bytes"`
		}{p.Bytes})
	default:
		return nil, fmt.Errorf("unknown parameter kind %d", p.Kind)
	}
}

func (p *Param) UnmarshalJSON(b []byte) error {
	var dec = json.NewDecoder(strings.NewReader(string(b)))
	dec.UseNumber()

	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case nil:
		*p = NullParam()
	case bool:
		*p = BoolParam(v)
	case string:
		*p = StrParam(v)
	case json.Number:
		return p.fromNumber(v)
	case map[string]interface{}:
		return p.fromTagged(v)
	default:
		return fmt.Errorf("cannot decode %q as a parameter", string(b))
	}
	return nil
}

func (p *Param) fromNumber(n json.Number) error {
	if !strings.ContainsAny(n.String(), ".eE") {
		i, err := n.Int64()
		if err != nil {
			return fmt.Errorf("parsing integer parameter: %w", err)
		}
		*p = IntParam(i)
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("parsing float parameter: %w", err)
	}
	*p = FloatParam(f)
	return nil
}

func (p *Param) fromTagged(m map[string]interface{}) error {
	if len(m) != 1 {
		return fmt.Errorf("tagged parameter must have exactly one key, got %d", len(m))
	}
	for tag, v := range m {
		switch tag {
		case "bool":
			b, ok := v.(bool)
			if !ok {
				return fmt.Errorf("bool parameter holds %T", v)
			}
			*p = BoolParam(b)
		case "int":
			n, ok := v.(json.Number)
			if !ok {
				return fmt.Errorf("int parameter holds %T", v)
			}
			i, err := n.Int64()
			if err != nil {
				return fmt.Errorf("parsing int parameter: %w", err)
			}
			*p = IntParam(i)
		case "float":
			n, ok := v.(json.Number)
			if !ok {
				return fmt.Errorf("float parameter holds %T", v)
			}
			f, err := n.Float64()
			if err != nil {
				return fmt.Errorf("parsing float parameter: %w", err)
			}
			*p = FloatParam(f)
		case "str":
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("str parameter holds %T", v)
			}
			*p = StrParam(s)
		case "bytes":
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("bytes parameter holds %T", v)
			}
			b, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return fmt.Errorf("decoding bytes parameter: %w", err)
			}
			*p = BytesParam(b)
		default:
			return fmt.Errorf("unknown parameter tag %q", tag)
		}
		return nil
	}
	return nil
}

// ParamValues maps params to driver-compatible values for database/sql.
func ParamValues(params []Param) []interface{} {
	if len(params) == 0 {
		return nil
	}
	var out = make([]interface{}, len(params))
	for i, p := range params {
		out[i] = p.Value()
	}
	return out
}

// ParamOf converts a decoded JSON value into a Param. Integral float64
// values (as produced by generic json decoding) map to Int.
func ParamOf(v interface{}) Param {
	switch t := v.(type) {
	case nil:
		return NullParam()
	case bool:
		return BoolParam(t)
	case string:
		return StrParam(t)
	case []byte:
		return BytesParam(t)
	case int:
		return IntParam(int64(t))
	case int64:
		return IntParam(t)
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return IntParam(int64(t))
		}
		return FloatParam(t)
	case json.Number:
		var p Param
		if err := p.fromNumber(t); err == nil {
			return p
		}
		return StrParam(t.String())
	default:
		return StrParam(fmt.Sprintf("%v", t))
	}
}
