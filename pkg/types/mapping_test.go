package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMappingValidate(t *testing.T) {
	tests := []struct {
		name    string
		mapping Mapping
		wantErr error
	}{
		{
			name:    "empty kind",
			mapping: Mapping{},
			wantErr: ErrInvalidMapping,
		},
		{
			name:    "kind without relationships",
			mapping: Mapping{Kind: "leaf"},
		},
		{
			name: "relationship without target",
			mapping: Mapping{Kind: "root", Relationships: []Relationship{
				{Name: "leaves"},
			}},
			wantErr: ErrInvalidMapping,
		},
		{
			name: "duplicate relationship",
			mapping: Mapping{Kind: "root", Relationships: []Relationship{
				{Name: "leaves", Target: "leaf"},
				{Name: "leaves", Target: "leaf"},
			}},
			wantErr: ErrInvalidMapping,
		},
		{
			name: "unknown fetch strategy",
			mapping: Mapping{Kind: "root", Relationships: []Relationship{
				{Name: "leaves", Target: "leaf", Fetch: "sometimes"},
			}},
			wantErr: ErrInvalidMapping,
		},
		{
			name: "eager orphan removal",
			mapping: Mapping{Kind: "root", Relationships: []Relationship{
				{Name: "leaves", Target: "leaf", OrphanRemoval: true, Fetch: FetchEager},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.mapping.Validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestMetamodel(t *testing.T) {
	mm, err := NewMetamodel(
		Mapping{Kind: "root", Relationships: []Relationship{
			{Name: "leaves", Target: "leaf", CascadeOnSave: true, OrphanRemoval: true},
		}},
		Mapping{Kind: "leaf"},
	)
	require.NoError(t, err)
	require.NoError(t, mm.CheckTargets())

	assert.Equal(t, []string{"leaf", "root"}, mm.Kinds())

	m, err := mm.Lookup("root")
	require.NoError(t, err)
	rel, ok := m.Relationship("leaves")
	require.True(t, ok)
	assert.Equal(t, FetchLazy, rel.EffectiveFetch())

	_, err = mm.Lookup("branch")
	assert.ErrorIs(t, err, ErrUnknownKind)

	err = mm.Register(Mapping{Kind: "leaf"})
	assert.ErrorIs(t, err, ErrInvalidMapping)
}

func TestMetamodelCheckTargets(t *testing.T) {
	mm, err := NewMetamodel(Mapping{Kind: "root", Relationships: []Relationship{
		{Name: "leaves", Target: "leaf"},
	}})
	require.NoError(t, err)
	assert.ErrorIs(t, mm.CheckTargets(), ErrUnknownKind)
}
