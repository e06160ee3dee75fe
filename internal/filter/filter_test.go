package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yairfalse/tagwarden/pkg/resource"
)

func TestShouldScanType(t *testing.T) {
	f := New([]string{"sqs", "azure/vm"}, nil, nil)

	assert.True(t, f.ShouldScanType("aws", "ec2"))
	assert.False(t, f.ShouldScanType("aws", "sqs"))
	assert.False(t, f.ShouldScanType("azure", "vm"))
	assert.True(t, f.ShouldScanType("gcp", "vm"))
}

func TestShouldKeep_NoFilters(t *testing.T) {
	f := New(nil, nil, nil)
	assert.True(t, f.IsEmpty())
	assert.True(t, f.ShouldKeep(resource.Resource{Tags: map[string]string{"env": "prod"}}))
}

func TestShouldKeep_IncludeTagsAllMustMatch(t *testing.T) {
	f := New(nil, map[string]string{"env": "prod", "team": "platform"}, nil)

	assert.True(t, f.ShouldKeep(resource.Resource{
		Tags: map[string]string{"env": "prod", "team": "platform", "extra": "x"},
	}))
	assert.False(t, f.ShouldKeep(resource.Resource{
		Tags: map[string]string{"env": "prod"},
	}))
	assert.False(t, f.ShouldKeep(resource.Resource{}))
}

func TestShouldKeep_ExcludeTagsAnyMatchDrops(t *testing.T) {
	f := New(nil, nil, map[string]string{"tagwarden": "ignore"})

	assert.False(t, f.ShouldKeep(resource.Resource{Tags: map[string]string{"tagwarden": "ignore"}}))
	assert.True(t, f.ShouldKeep(resource.Resource{Tags: map[string]string{"tagwarden": "watch"}}))
}

func TestShouldKeep_FoldedKeys(t *testing.T) {
	f := New(nil, map[string]string{"Env": "prod"}, nil)

	azure := resource.Resource{KeyMode: resource.KeyFold, Tags: map[string]string{"env": "prod"}}
	aws := resource.Resource{KeyMode: resource.KeyExact, Tags: map[string]string{"env": "prod"}}

	assert.True(t, f.ShouldKeep(azure))
	assert.False(t, f.ShouldKeep(aws), "aws keys are case-sensitive")
}

func TestNilFilterKeepsEverything(t *testing.T) {
	var f *Filter
	assert.True(t, f.IsEmpty())
	assert.True(t, f.ShouldScanType("aws", "ec2"))
	assert.True(t, f.ShouldKeep(resource.Resource{}))
}
