package identifier

import (
	"errors"
	"sort"
	"strings"
	"testing"

	"fleet-registry/errs"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RoundTripAllInstances(t *testing.T) {
	for i := MinInstanceID; i <= MaxInstanceID; i++ {
		id, err := New(i)
		require.NoError(t, err)

		for _, s := range []string{id.String(), strings.ToUpper(id.String())} {
			got, err := Parse(s)
			require.NoError(t, err, "parse %q", s)
			assert.Equal(t, i, got.InstanceID)
			assert.True(t, got.Equal(id), "parsed %#v want %#v", got, id)
		}
	}
}

func TestNew_OutOfRange(t *testing.T) {
	for _, n := range []int{-1, 100, 1000} {
		_, err := New(n)
		assert.ErrorIs(t, err, errs.ErrInvalidArgument, "instance %d", n)
	}
}

func TestNewFrom(t *testing.T) {
	u := uuid.New()
	tests := []struct {
		name    string
		uuid    uuid.UUID
		inst    int
		ts      int64
		wantErr error
	}{
		{"ok", u, 5, 1760601600000, nil},
		{"nil uuid", uuid.Nil, 5, 1760601600000, ErrNullField},
		{"zero timestamp", u, 5, 0, errs.ErrInvalidArgument},
		{"negative timestamp", u, 5, -10, errs.ErrInvalidArgument},
		{"instance too large", u, 100, 1760601600000, errs.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := NewFrom(tt.uuid, tt.inst, tt.ts, 1)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.ts, id.CreatedAtMillis)
		})
	}
}

func TestNullFieldIsInvalidArgument(t *testing.T) {
	_, err := NewFrom(uuid.Nil, 1, 1, 1)
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument))
}

func TestParse_Malformed(t *testing.T) {
	tests := []string{
		"",
		"server-1",
		"1760601600000-7-3f1c2d4e-5a6b-4c7d-8e9f-0a1b2c3d4e5f-v1",
		"1760601600000-07-3f1c2d4e5a6b4c7d8e9f0a1b2c3d4e5f-v1",
		"1760601600000-07-3f1c2d4e-5a6b-4c7d-8e9f-0a1b2c3d4e5f",
		"0000000000000-07-3f1c2d4e-5a6b-4c7d-8e9f-0a1b2c3d4e5f-v1",
		"1760601600000-07-00000000-0000-0000-0000-000000000000-v1",
	}
	for _, s := range tests {
		t.Run(s, func(t *testing.T) {
			_, err := Parse(s)
			assert.ErrorIs(t, err, ErrMalformedIdentifier)
			assert.False(t, IsValid(s))
		})
	}
}

func TestParse_Components(t *testing.T) {
	id, err := Parse("1760601600000-07-3F1C2D4E-5A6B-4C7D-8E9F-0A1B2C3D4E5F-V2")
	require.NoError(t, err)
	assert.Equal(t, int64(1760601600000), id.CreatedAtMillis)
	assert.Equal(t, 7, id.InstanceID)
	assert.Equal(t, "3f1c2d4e-5a6b-4c7d-8e9f-0a1b2c3d4e5f", id.UUID.String())
	assert.Equal(t, 2, id.ProtocolVersion)
	assert.Equal(t, "1760601600000-07-3f1c2d4e-5a6b-4c7d-8e9f-0a1b2c3d4e5f-v2", id.String())
}

func TestWithInstanceID(t *testing.T) {
	id, err := New(3)
	require.NoError(t, err)

	other, err := id.WithInstanceID(42)
	require.NoError(t, err)
	assert.Equal(t, 42, other.InstanceID)
	assert.Equal(t, id.UUID, other.UUID)
	assert.Equal(t, id.CreatedAtMillis, other.CreatedAtMillis)
	assert.Equal(t, 3, id.InstanceID)

	_, err = id.WithInstanceID(100)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestSameOccupant(t *testing.T) {
	u := uuid.New()
	a, _ := NewFrom(u, 4, 1000, 1)
	b, _ := NewFrom(u, 4, 2000, 2)
	c, _ := NewFrom(u, 5, 1000, 1)

	assert.True(t, a.SameOccupant(b))
	assert.False(t, a.Equal(b))
	assert.False(t, a.SameOccupant(c))
}

func TestCompare_SortsByTime(t *testing.T) {
	a, _ := NewFrom(uuid.New(), 1, 3000, 1)
	b, _ := NewFrom(uuid.New(), 1, 1000, 1)
	c, _ := NewFrom(uuid.New(), 1, 2000, 1)
	ids := []ID{a, b, c}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })
	assert.Equal(t, []ID{b, c, a}, ids)

	strs := []string{a.String(), b.String(), c.String()}
	sort.Strings(strs)
	assert.Equal(t, []string{b.String(), c.String(), a.String()}, strs)
}

func TestFromLegacy(t *testing.T) {
	tests := []struct {
		in       string
		instance int
	}{
		{"server-12", 12},
		{"proxy_3", 3},
		{"lobby150", 50},
		{"SRV.199", 99},
		{"game-100", 0},
		{"minigame-7", 0},
		{"whatever", 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			id, err := FromLegacy(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.instance, id.InstanceID)
			assert.True(t, IsValid(id.String()))
		})
	}
}

func TestFromLegacy_Deterministic(t *testing.T) {
	a, err := FromLegacy("server-150")
	require.NoError(t, err)
	b, err := FromLegacy("SERVER-150")
	require.NoError(t, err)
	assert.True(t, a.SameOccupant(b))
	assert.Equal(t, a.String(), b.String())
	assert.Equal(t, int64(LegacyCreatedAtMillis), a.CreatedAtMillis)

	// 150 and 50 wrap onto the same instance but remain distinct occupants.
	c, err := FromLegacy("server-50")
	require.NoError(t, err)
	assert.Equal(t, a.InstanceID, c.InstanceID)
	assert.False(t, a.SameOccupant(c))
}

func TestFromLegacy_Empty(t *testing.T) {
	_, err := FromLegacy("  ")
	assert.ErrorIs(t, err, ErrNullField)
}

func TestParseOrLegacy_Canonical(t *testing.T) {
	id, _ := New(9)
	got, err := ParseOrLegacy(id.String())
	require.NoError(t, err)
	assert.True(t, got.Equal(id))
}

func TestText_RoundTrip(t *testing.T) {
	id, _ := New(11)
	b, err := id.MarshalText()
	require.NoError(t, err)
	var got ID
	require.NoError(t, got.UnmarshalText(b))
	assert.True(t, got.Equal(id))
}
