package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chargectl-go/errcode"
)

func newTestRegistry(t *testing.T) (*Registry, *float32, *bool) {
	t.Helper()
	r := NewRegistry()
	r.ExpertPassword = "expert-pass"
	r.MakerPassword = "maker-pass"

	vBat := float32(13.2)
	topping := float32(14.4)
	loadEn := true

	require.NoError(t, r.Add(&Node{ID: 0x71, Name: "Bat_V", Cat: CatMeasurement,
		Access: ReadAll, F32: &vBat}))
	require.NoError(t, r.Add(&Node{ID: 0x31, Name: "BatNom_Ah", Cat: CatConf,
		Access: ReadAll | WriteExpert | WriteMaker, Persist: true, F32: &topping}))
	require.NoError(t, r.Add(&Node{ID: 0x40, Name: "LoadEnDefault", Cat: CatActuator,
		Access: ReadAll | WriteAll, Persist: true, B: &loadEn}))

	return r, &topping, &loadEn
}

func TestReadAnyRole(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	v, err := r.Read("Bat_V")
	require.NoError(t, err)
	assert.EqualValues(t, float32(13.2), v)
}

func TestWriteAccessControl(t *testing.T) {
	r, topping, _ := newTestRegistry(t)

	// user level may not write config
	err := r.Write("BatNom_Ah", 14.6)
	assert.Equal(t, errcode.AccessDenied, errcode.Of(err))
	assert.EqualValues(t, float32(14.4), *topping)

	// expert level may
	assert.Equal(t, RoleExpert, r.Authenticate("expert-pass"))
	require.NoError(t, r.Write("BatNom_Ah", 14.6))
	assert.EqualValues(t, float32(14.6), *topping)

	// empty password drops back to user
	assert.Equal(t, RoleUser, r.Authenticate(""))
	err = r.Write("BatNom_Ah", 15.0)
	assert.Equal(t, errcode.AccessDenied, errcode.Of(err))
}

func TestWrongPasswordDropsToUser(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	r.Authenticate("maker-pass")
	assert.Equal(t, RoleMaker, r.Role())

	assert.Equal(t, RoleUser, r.Authenticate("nope"))
}

func TestUnknownNode(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	_, err := r.Read("DoesNotExist")
	assert.Equal(t, errcode.UnknownNode, errcode.Of(err))

	err = r.Write("DoesNotExist", 1)
	assert.Equal(t, errcode.UnknownNode, errcode.Of(err))
}

func TestConfChangeHook(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	r.Authenticate("expert-pass")

	calls := 0
	r.OnConfChanged = func() { calls++ }

	require.NoError(t, r.Write("BatNom_Ah", 14.8))
	assert.Equal(t, 1, calls, "config write must trigger the commit hook")

	require.NoError(t, r.Write("LoadEnDefault", false))
	assert.Equal(t, 1, calls, "actuator write must not trigger the commit hook")
}

func TestCommandNode(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	ran := false
	require.NoError(t, r.Add(&Node{ID: 0xE1, Name: "SaveSettings", Cat: CatCommand,
		Access: WriteAll, Fn: func() error { ran = true; return nil }}))

	require.NoError(t, r.Write("SaveSettings", nil))
	assert.True(t, ran)
}

func TestPersistRoundTrip(t *testing.T) {
	r, topping, loadEn := newTestRegistry(t)

	vals := r.PersistedValues()
	assert.Len(t, vals, 2)
	assert.NotContains(t, vals, uint16(0x71), "measurements are not persisted")

	// mutate, then restore the snapshot; unknown IDs from a newer
	// firmware are skipped
	*topping = 0
	*loadEn = false
	vals[0xFFFE] = "from a newer firmware"
	r.Restore(vals)

	assert.EqualValues(t, float32(14.4), *topping)
	assert.Equal(t, true, *loadEn)
}

func TestTypeCoercion(t *testing.T) {
	r, topping, _ := newTestRegistry(t)
	r.Authenticate("maker-pass")

	// CBOR and JSON decoders deliver different numeric types
	require.NoError(t, r.Write("BatNom_Ah", float64(14.2)))
	assert.EqualValues(t, float32(14.2), *topping)
	require.NoError(t, r.Write("BatNom_Ah", uint64(14)))
	assert.EqualValues(t, float32(14), *topping)

	err := r.Write("BatNom_Ah", "not a number")
	assert.Equal(t, errcode.InvalidPayload, errcode.Of(err))

	err = r.Write("LoadEnDefault", 1)
	assert.Equal(t, errcode.InvalidPayload, errcode.Of(err))
}

func TestDuplicateNodeRejected(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	v := float32(0)
	err := r.Add(&Node{ID: 0x71, Name: "Other", F32: &v})
	assert.Error(t, err, "duplicate ID must be rejected")

	err = r.Add(&Node{ID: 0x99, Name: "Bat_V", F32: &v})
	assert.Error(t, err, "duplicate name must be rejected")
}

func TestNames(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	names := r.Names()
	assert.Contains(t, names, "Bat_V")
	assert.Contains(t, names, "BatNom_Ah")
}
