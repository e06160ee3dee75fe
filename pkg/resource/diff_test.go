package resource

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKey(t *testing.T) {
	r := Resource{Provider: "aws", NativeID: "i-abc123"}
	assert.Equal(t, "aws:i-abc123", r.Key())
}

func TestKey_AzureIDWithSlashes(t *testing.T) {
	id := "/subscriptions/s1/resourceGroups/rg/providers/Microsoft.Compute/virtualMachines/vm1"
	assert.Equal(t, "azure:"+id, Key("azure", id))
}

func TestTag_ExactMode(t *testing.T) {
	r := Resource{KeyMode: KeyExact, Tags: map[string]string{"Environment": "prod"}}

	_, ok := r.Tag("environment")
	assert.False(t, ok)

	v, ok := r.Tag("Environment")
	assert.True(t, ok)
	assert.Equal(t, "prod", v)
}

func TestTag_FoldMode(t *testing.T) {
	r := Resource{KeyMode: KeyFold, Tags: map[string]string{"environment": "prod"}}

	v, ok := r.Tag("Environment")
	assert.True(t, ok)
	assert.Equal(t, "prod", v)
}

func TestDiffTags(t *testing.T) {
	prev := map[string]string{"env": "prod", "team": "core", "old": "x"}
	curr := map[string]string{"env": "staging", "team": "core", "owner": "me"}

	changes := DiffTags(KeyExact, prev, curr)

	assert.Equal(t, []TagChange{
		{Key: "env", Type: DiffModified, Previous: "prod", Current: "staging"},
		{Key: "old", Type: DiffDeleted, Previous: "x"},
		{Key: "owner", Type: DiffAdded, Current: "me"},
	}, changes)
}

func TestTagsEqual_FoldIgnoresCase(t *testing.T) {
	a := map[string]string{"Env": "prod"}
	b := map[string]string{"env": "prod"}

	assert.True(t, TagsEqual(KeyFold, a, b))
	assert.False(t, TagsEqual(KeyExact, a, b))
}

func TestClone_IsDeep(t *testing.T) {
	r := Resource{Tags: map[string]string{"a": "1"}}
	c := r.Clone()
	c.Tags["a"] = "2"
	assert.Equal(t, "1", r.Tags["a"])
}
