package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParamTagRoundTrips(t *testing.T) {
	var cases = []struct {
		param Param
		wire  string
	}{
		{NullParam(), `null`},
		{BoolParam(true), `{"bool":true}`},
		{BoolParam(false), `{"bool":false}`},
		{IntParam(42), `{"int":42}`},
		{IntParam(-9007199254740993), `{"int":-9007199254740993}`},
		{FloatParam(3.5), `{"float":3.5}`},
		{FloatParam(3), `{"float":3}`},
		{StrParam("hello"), `{"str":"hello"}`},
		{StrParam(""), `{"str":""}`},
		{BytesParam([]byte("hi")), `{"bytes":"aGk="}`},
	}

	for _, tc := range cases {
		var b, err = json.Marshal(tc.param)
		require.NoError(t, err)
		require.Equal(t, tc.wire, string(b))

		var out Param
		require.NoError(t, json.Unmarshal(b, &out))
		require.Equal(t, tc.param.Kind, out.Kind)
		require.Equal(t, tc.param, out)
	}
}

func TestParamBareScalarDecoding(t *testing.T) {
	var cases = []struct {
		wire   string
		expect Param
	}{
		{`null`, NullParam()},
		{`true`, BoolParam(true)},
		{`"John"`, StrParam("John")},
		{`17`, IntParam(17)},
		{`-3`, IntParam(-3)},
		{`2.5`, FloatParam(2.5)},
		{`1e3`, FloatParam(1000)},
		{`9007199254740993`, IntParam(9007199254740993)}, // beyond float53 precision
	}

	for _, tc := range cases {
		var out Param
		require.NoError(t, json.Unmarshal([]byte(tc.wire), &out), tc.wire)
		require.Equal(t, tc.expect, out, tc.wire)
	}
}

func TestParamDecodingErrors(t *testing.T) {
	var cases = []string{
		`{"int":42,"str":"x"}`, // two tags
		`{"wat":1}`,            // unknown tag
		`{"int":"42"}`,         // wrong payload type
		`{"bytes":"///not-base64"}`,
		`[1,2]`,
	}
	for _, wire := range cases {
		var out Param
		require.Error(t, json.Unmarshal([]byte(wire), &out), wire)
	}
}

func TestParamValues(t *testing.T) {
	var vals = ParamValues([]Param{
		NullParam(),
		BoolParam(true),
		IntParam(7),
		FloatParam(0.5),
		StrParam("s"),
		BytesParam([]byte{1, 2}),
	})
	require.Equal(t, []interface{}{nil, true, int64(7), 0.5, "s", []byte{1, 2}}, vals)
	require.Nil(t, ParamValues(nil))
}

func TestParamOf(t *testing.T) {
	require.Equal(t, IntParam(3), ParamOf(float64(3)))
	require.Equal(t, FloatParam(3.25), ParamOf(3.25))
	require.Equal(t, StrParam("x"), ParamOf("x"))
	require.Equal(t, NullParam(), ParamOf(nil))
	require.Equal(t, IntParam(12), ParamOf(json.Number("12")))
}
