package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIRValueSealed(t *testing.T) {
	var _ IRValue = IRNull{}
	var _ IRValue = IRString("test")
	var _ IRValue = IRInt(42)
	var _ IRValue = IRBool(true)
	var _ IRValue = IRArray{IRString("a"), IRInt(1)}
	var _ IRValue = IRObject{"key": IRString("value")}
}

func TestIRObjectSortedKeys(t *testing.T) {
	obj := IRObject{"a": IRInt(1), "A": IRInt(2), "aa": IRInt(3), "aA": IRInt(4), "Aa": IRInt(5), "AA": IRInt(6)}
	assert.Equal(t, []string{"A", "AA", "Aa", "a", "aA", "aa"}, obj.SortedKeys())
	assert.Empty(t, IRObject{}.SortedKeys())
}

func TestObjBuilder(t *testing.T) {
	obj := Obj(O("resource", IRString("ETH")), O("amount", IRInt(5)))
	assert.Equal(t, "ETH", obj.String("resource"))
	assert.Equal(t, int64(5), obj.Int("amount"))
	assert.Equal(t, int64(0), obj.Int("missing"))
	assert.Equal(t, "", obj.String("amount"), "type mismatch yields zero value")
	assert.Nil(t, obj.Object("resource"))
}

func TestIRObjectCloneIsDeep(t *testing.T) {
	orig := IRObject{
		"balances": IRObject{"ETH": IRInt(10)},
		"log":      IRArray{IRObject{"n": IRInt(1)}},
	}
	clone := orig.Clone()
	clone.Object("balances")["ETH"] = IRInt(99)
	clone["log"].(IRArray)[0].(IRObject)["n"] = IRInt(2)

	assert.Equal(t, IRInt(10), orig.Object("balances")["ETH"])
	assert.Equal(t, IRInt(1), orig["log"].(IRArray)[0].(IRObject)["n"])
	assert.Nil(t, IRObject(nil).Clone())
}

func TestUnmarshalIRValue(t *testing.T) {
	v, err := UnmarshalIRValue([]byte(`{"a":[1,"x",true],"b":{"c":-3}}`))
	require.NoError(t, err)
	assert.Equal(t, IRObject{
		"a": IRArray{IRInt(1), IRString("x"), IRBool(true)},
		"b": IRObject{"c": IRInt(-3)},
	}, v)
}

func TestUnmarshalIRValueRejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"float", `{"price":3000.5}`, "float"},
		{"exponent", `1e3`, "float"},
		{"null", `{"a":null}`, "null"},
		{"overflow", `99999999999999999999`, "range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalIRValue([]byte(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestIRObjectJSONRoundTrip(t *testing.T) {
	orig := IRObject{"z": IRInt(1), "a": IRArray{IRBool(false)}}
	data, err := json.Marshal(orig)
	require.NoError(t, err)
	assert.Equal(t, `{"a":[false],"z":1}`, string(data))

	var back IRObject
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, orig, back)
}
