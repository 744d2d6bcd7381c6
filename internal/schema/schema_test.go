package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry([]Type{
		{Name: "Inner", Params: []Param{
			{Name: "label", Kind: KindString, Flags: Required | NotEmpty, Hash: true},
		}},
		{Name: "Sample", Params: []Param{
			{Name: "zeta", Kind: KindString, Hash: true},
			{Name: "alpha", Kind: KindNumber, Flags: Required | GreaterThanZero, Hash: true},
			{Name: "ratio", Kind: KindNumber, Flags: RangedNumber, RangeMin: 1, RangeMax: 5},
			{Name: "mode", Kind: KindString, Flags: EnumValue, Enum: []any{"fast", "slow"}},
			{Name: "enabled", Kind: KindBoolean, Default: true, Hash: true},
			{Name: "host", Kind: KindString, Flags: Hostname},
			{Name: "id", Kind: KindString, Flags: Uuid},
			{Name: "link", Kind: KindString, Flags: Url},
			{Name: "tags", Kind: KindArray, Container: KindString, Flags: NotEmpty, Hash: true},
			{Name: "counts", Kind: KindMap, Container: KindNumber, Flags: ZeroOrGreater},
			{Name: "inner", Kind: "Inner", Hash: true},
			{Name: "items", Kind: KindArray, Container: "Inner"},
			{Name: "nested", Kind: KindObject, Flags: Command},
		}},
	}, []CommandType{
		{ID: 1, Name: "DoSample", ParamType: "Sample"},
		{ID: 2, Name: "Labelled", ParamType: "Inner"},
	})
	require.NoError(t, err)
	return r
}

func TestNewRegistry_RejectsUnknownKinds(t *testing.T) {
	_, err := NewRegistry([]Type{{Name: "A", Params: []Param{{Name: "x", Kind: "Missing"}}}}, nil)
	assert.Error(t, err)

	_, err = NewRegistry([]Type{{Name: "A"}}, []CommandType{{ID: 1, Name: "C", ParamType: "B"}})
	assert.Error(t, err)

	_, err = NewRegistry([]Type{{Name: "A"}}, []CommandType{{ID: 1, Name: "C", ParamType: "A"}, {ID: 1, Name: "D", ParamType: "A"}})
	assert.ErrorContains(t, err, "duplicate command id")

	_, err = NewRegistry([]Type{{Name: "A"}}, []CommandType{{ID: 1, Name: "C", ParamType: "A"}, {ID: 2, Name: "C", ParamType: "A"}})
	assert.ErrorContains(t, err, "duplicate command name")
}

func TestBuiltin_Loads(t *testing.T) {
	r := Builtin()
	c, ok := r.CommandByName("CreateTimelapseCaptureIntent")
	require.True(t, ok)
	assert.Equal(t, CreateTimelapseCaptureIntentID, c.ID)
	c, ok = r.CommandByID(AuthorizeID)
	require.True(t, ok)
	assert.Equal(t, "Authorize", c.Name)
}

func TestValidate(t *testing.T) {
	r := testRegistry(t)
	tests := []struct {
		name string
		obj  map[string]any
		want string
	}{
		{"ok", map[string]any{"alpha": 1.0}, ""},
		{"unknown key", map[string]any{"alpha": 1.0, "bogus": 1}, `Unknown parameter field "bogus"`},
		{"missing required", map[string]any{}, `Missing required parameter field "alpha"`},
		{"wrong type", map[string]any{"alpha": "1"}, `Parameter field "alpha" has incorrect type "string", expecting number`},
		{"zero not greater", map[string]any{"alpha": 0.0}, `Parameter field "alpha" must be a number greater than zero`},
		{"range", map[string]any{"alpha": 1.0, "ratio": 6.0}, `Parameter field "ratio" must be a number in the range [1..5]`},
		{"enum", map[string]any{"alpha": 1.0, "mode": "medium"}, `Parameter field "mode" must be one of: fast, slow`},
		{"hostname", map[string]any{"alpha": 1.0, "host": "bad host"}, `Parameter field "host" must contain a hostname string`},
		{"hostname with port", map[string]any{"alpha": 1.0, "host": "camera-1.local:8080"}, ""},
		{"uuid", map[string]any{"alpha": 1.0, "id": "1234"}, `Parameter field "id" must contain a UUID string`},
		{"url", map[string]any{"alpha": 1.0, "link": "http://a b"}, `Parameter field "link" must contain a URL string`},
		{"empty array item", map[string]any{"alpha": 1.0, "tags": []any{"a", ""}}, `Parameter field "tags[1]" cannot contain an empty string`},
		{"map item", map[string]any{"alpha": 1.0, "counts": map[string]any{"x": -1.0}}, `Parameter field "counts.x" must be a number greater than or equal to zero`},
		{"nested", map[string]any{"alpha": 1.0, "inner": map[string]any{}}, `Parameter field "inner": Missing required parameter field "label"`},
		{"nested array", map[string]any{"alpha": 1.0, "items": []any{map[string]any{"label": ""}}}, `Parameter field "items[0]": Parameter field "label" cannot contain an empty string`},
		{"embedded command", map[string]any{"alpha": 1.0, "nested": map[string]any{"commandName": "Labelled", "params": map[string]any{}}}, `Parameter field "nested": Missing required parameter field "label"`},
		{"go int accepted", map[string]any{"alpha": 3}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Validate("Sample", tt.obj, false)
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, IsValidationError(err))
			assert.Equal(t, tt.want, err.Error())
		})
	}
}

func TestValidate_AllowUnknownKeys(t *testing.T) {
	r := testRegistry(t)
	assert.NoError(t, r.Validate("Sample", map[string]any{"alpha": 1.0, "extra": "x"}, true))
}

func TestValidate_DoesNotMutate(t *testing.T) {
	r := testRegistry(t)
	obj := map[string]any{"alpha": 2.0}
	require.NoError(t, r.Validate("Sample", obj, false))
	assert.Equal(t, map[string]any{"alpha": 2.0}, obj)
}

func TestApplyDefaults_Idempotent(t *testing.T) {
	r := testRegistry(t)
	obj := map[string]any{"alpha": 1.0}
	r.ApplyDefaults("Sample", obj)
	once := deepCopyMap(obj)
	r.ApplyDefaults("Sample", obj)
	assert.Equal(t, once, obj)
	assert.Equal(t, true, obj["enabled"])
}

func TestApplyDefaults_NestedContainers(t *testing.T) {
	r := Builtin()
	obj := map[string]any{
		"isReady": true, "freeStorage": 1.0, "totalStorage": 2.0,
		"sensors": []any{map[string]any{"isCapturing": false}},
	}
	r.ApplyDefaults("CameraServerStatus", obj)
	sensor := obj["sensors"].([]any)[0].(map[string]any)
	assert.Equal(t, float64(0), sensor["capturePeriod"])
	assert.Equal(t, float64(0), sensor["lastCaptureTime"])
}

func TestCoerce(t *testing.T) {
	r := testRegistry(t)
	obj := map[string]any{
		"alpha":   "12.5",
		"enabled": "FALSE",
		"ratio":   "3x",
		"counts":  map[string]any{"a": "4"},
	}
	r.Coerce("Sample", obj)
	assert.Equal(t, 12.5, obj["alpha"])
	assert.Equal(t, false, obj["enabled"])
	assert.Equal(t, "3x", obj["ratio"])
	assert.Equal(t, 4.0, obj["counts"].(map[string]any)["a"])
}

func TestParseCommand_ErrorOrder(t *testing.T) {
	r := testRegistry(t)
	tests := []struct {
		raw  string
		want string
	}{
		{`{`, "Command has non-parsing JSON"},
		{`[1,2]`, "Command is not an object"},
		{`{"params":{}}`, "Command has no commandName field"},
		{`{"commandName":"DoSample"}`, "Command has no params object"},
		{`{"commandName":"Nope","params":{}}`, "Command has unknown name"},
		{`{"commandName":"DoSample","params":{}}`, `Missing required parameter field "alpha"`},
	}
	for _, tt := range tests {
		_, err := r.ParseCommand([]byte(tt.raw))
		require.Error(t, err, tt.raw)
		assert.Equal(t, tt.want, err.Error(), tt.raw)
	}
}

func TestParseCommand_AppliesDefaultsAndCoercion(t *testing.T) {
	r := testRegistry(t)
	inv, err := r.ParseCommand([]byte(`{"command":99,"commandName":"DoSample","params":{"alpha":"7"},"prefix":{"a":1700000000000,"d":"5"}}`))
	require.NoError(t, err)
	assert.Equal(t, 1, inv.Command)
	assert.Equal(t, 7.0, inv.Number("alpha"))
	assert.Equal(t, true, inv.Bool("enabled"))
	assert.Equal(t, int64(1700000000000), inv.Prefix.CreateTime)
	assert.Equal(t, 5, inv.Prefix.Priority)
}

func TestParseCommand_InvalidPrefix(t *testing.T) {
	r := testRegistry(t)
	_, err := r.ParseCommand([]byte(`{"commandName":"DoSample","params":{"alpha":1},"prefix":{"d":101}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Command has invalid prefix")
}

func TestBuildCommand(t *testing.T) {
	r := Builtin()
	inv, err := r.BuildCommand(Prefix{}, "CreateTimelapseCaptureIntent", map[string]any{"sensor": 0})
	require.NoError(t, err)
	assert.Equal(t, CreateTimelapseCaptureIntentID, inv.Command)
	assert.Equal(t, 900.0, inv.Number("capturePeriod"))

	_, err = r.BuildCommand(Prefix{}, "CreateTimelapseCaptureIntent", map[string]any{"sensor": 0, "capturePeriod": 0})
	assert.True(t, IsValidationError(err))

	_, err = r.BuildCommand(Prefix{}, "NoSuchCommand", nil)
	assert.Error(t, err)

	type params struct {
		Token string `json:"token"`
	}
	inv, err = r.BuildCommandByID(Prefix{}, AuthorizeID, params{Token: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "abc", inv.String("token"))
}

func TestAuthorizationHash_InputOrder(t *testing.T) {
	r := Builtin()
	inv, err := r.BuildCommand(Prefix{}, "Authorize", map[string]any{"token": "abc"})
	require.NoError(t, err)

	got := r.AuthorizationHash(sha256.New(), inv, "sec", "tok")
	assert.Equal(t, sha256Hex("sectokAuthorizeabc"), got)
}

func TestAuthorizationHash_AlphabeticalFieldsAndPrefix(t *testing.T) {
	r := testRegistry(t)
	inv, err := r.BuildCommand(Prefix{CreateTime: 12, Priority: 3}, "DoSample", map[string]any{
		"zeta": "z", "alpha": 2.9, "tags": []any{"x", "y"}, "inner": map[string]any{"label": "L"},
	})
	require.NoError(t, err)

	// alpha, enabled (default), inner.label, tags, zeta; prefix a then d.
	want := sha256Hex("s" + "t" + "DoSample" + "12" + "3" + "2" + "true" + "L" + "xy" + "z")
	assert.Equal(t, want, r.AuthorizationHash(sha256.New(), inv, "s", "t"))
}

func TestAuthorizationHash_SensitiveToHashedFieldsOnly(t *testing.T) {
	r := testRegistry(t)
	a, _ := r.BuildCommand(Prefix{}, "DoSample", map[string]any{"alpha": 1.0, "ratio": 2.0})
	b, _ := r.BuildCommand(Prefix{}, "DoSample", map[string]any{"alpha": 1.0, "ratio": 4.0})
	c, _ := r.BuildCommand(Prefix{}, "DoSample", map[string]any{"alpha": 5.0, "ratio": 2.0})

	ha := r.AuthorizationHash(sha256.New(), a, "s", "t")
	assert.Equal(t, ha, r.AuthorizationHash(sha256.New(), b, "s", "t"))
	assert.NotEqual(t, ha, r.AuthorizationHash(sha256.New(), c, "s", "t"))
	assert.NotEqual(t, ha, r.AuthorizationHash(sha256.New(), a, "other", "t"))
}

func TestSetAuthorization(t *testing.T) {
	r := Builtin()
	inv, err := r.BuildCommand(Prefix{}, "GetStatus", nil)
	require.NoError(t, err)

	r.SetAuthorization(inv, "secret", "")
	assert.Empty(t, inv.Prefix.AuthorizationToken)
	assert.Equal(t, sha256Hex("secretGetStatus"), inv.Prefix.AuthorizationHash)

	r.SetAuthorization(inv, "secret", "tok")
	assert.Equal(t, "tok", inv.Prefix.AuthorizationToken)
	assert.True(t, r.VerifyAuthorization(inv, "secret"))
	assert.False(t, r.VerifyAuthorization(inv, "wrong"))
}

func TestSetAuthorization_SurvivesWireRoundTrip(t *testing.T) {
	r := Builtin()
	inv, err := r.BuildCommand(Prefix{CreateTime: 1700000000123, AgentID: "0fa4ee1c-7a5b-4d9e-9f00-3b2a1c0d9e8f"},
		"FindCaptureImages", map[string]any{"minTime": 10, "isDescending": true})
	require.NoError(t, err)
	r.SetAuthorization(inv, "secret", "tok")

	data, err := inv.Marshal()
	require.NoError(t, err)
	parsed, err := r.ParseCommand(data)
	require.NoError(t, err)
	assert.True(t, r.VerifyAuthorization(parsed, "secret"))
}

func TestAuthorizationHash_ZeroPrefixFieldIsSigned(t *testing.T) {
	r := Builtin()
	withZero, err := r.ParseCommand([]byte(`{"command":8,"commandName":"GetStatus","params":{},"prefix":{"d":0,"h":"tok"}}`))
	require.NoError(t, err)
	without, err := r.ParseCommand([]byte(`{"command":8,"commandName":"GetStatus","params":{},"prefix":{"h":"tok"}}`))
	require.NoError(t, err)

	assert.Equal(t, sha256Hex("secret"+"tok"+"GetStatus"+"0"), r.AuthorizationHash(sha256.New(), withZero, "secret", ""))
	assert.Equal(t, sha256Hex("secret"+"tok"+"GetStatus"), r.AuthorizationHash(sha256.New(), without, "secret", ""))

	r.SetAuthorization(withZero, "secret", "")
	data, err := withZero.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"d":0`)
	parsed, err := r.ParseCommand(data)
	require.NoError(t, err)
	assert.True(t, r.VerifyAuthorization(parsed, "secret"))
}

func TestPrefix_ExplicitZeroes(t *testing.T) {
	var p Prefix
	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(data))

	p.SetCreateTime(0)
	p.SetDuration(0)
	p.SetPriority(7)
	data, err = json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":0,"d":7,"f":0}`, string(data))

	var back Prefix
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, p, back)
	assert.Equal(t, map[string]any{"a": 0.0, "d": 7.0, "f": 0.0}, back.hashFields())
}

func TestParseTypeObject(t *testing.T) {
	r := Builtin()
	state, err := r.ParseTypeObject("TimelapseCaptureIntentState", map[string]any{"sensor": "1"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, state["sensor"])
	assert.Equal(t, 900.0, state["capturePeriod"])
	assert.Equal(t, 0.0, state["nextCaptureTime"])

	_, err = r.ParseTypeObject("TimelapseCaptureIntentState", map[string]any{"sensor": -1})
	assert.True(t, IsValidationError(err))
}
