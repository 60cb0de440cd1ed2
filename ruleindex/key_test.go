package ruleindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/personium/personium-core-sub028/errors"
)

func TestParseRuleKey(t *testing.T) {
	tests := []struct {
		in      string
		name    string
		box     string
		wantErr bool
	}{
		{in: "Rule('r1')", name: "r1"},
		{in: "Rule(Name='r1')", name: "r1"},
		{in: "Rule(Name='r1',_Box.Name='b1')", name: "r1", box: "b1"},
		{in: "Rule(_Box.Name='b1', Name='r1')", name: "r1", box: "b1"},
		{in: "Rule(Name='r1',_Box.Name=null)", name: "r1"},
		{in: "Rule('it''s')", name: "it's"},
		{in: "Rule('a/b')", name: "a/b"},
		{in: "Box('b1')/$links/Rule('r1')", name: "r1", box: "b1"},
		{in: "Rule('r1')/$links/Box('b1')", name: "r1", box: "b1"},
		{in: "Box('b1')/_Rule('r1')", name: "r1", box: "b1"},
		{in: "Box('b1')", wantErr: true},
		{in: "Rule('r1'", wantErr: true},
		{in: "Rule(r1)", wantErr: true},
		{in: "Rule('r1", wantErr: true},
		{in: "Rule(Name='r1',)", wantErr: true},
		{in: "Rule(Foo='r1')", wantErr: true},
		{in: "", wantErr: true},
		{in: "garbage", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			name, box, err := ParseRuleKey(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, errors.ErrMalformedKey))
				assert.True(t, errors.IsInvalid(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.box, box)
		})
	}
}

func TestParseBoxKey(t *testing.T) {
	name, err := ParseBoxKey("Box('bx')")
	require.NoError(t, err)
	assert.Equal(t, "bx", name)

	name, err = ParseBoxKey("Box(Name='bx')")
	require.NoError(t, err)
	assert.Equal(t, "bx", name)

	_, err = ParseBoxKey("Rule('r')")
	assert.Error(t, err)
}
