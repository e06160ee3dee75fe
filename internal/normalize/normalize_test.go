package normalize

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/tagwarden/pkg/native"
	"github.com/yairfalse/tagwarden/pkg/resource"
)

var scannedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

func TestNormalize_AWS(t *testing.T) {
	rec := &native.AWSRecord{
		ResourceID:   "i-0abc",
		ResourceType: "ec2",
		Region:       "us-east-1",
		Name:         "web",
		Tags:         []native.Tag{{Key: "Env", Value: "prod"}, {Key: "env", Value: "dev"}},
		Attrs:        map[string]string{"state": "running"},
	}

	r, err := Normalize(rec, scannedAt)

	require.NoError(t, err)
	assert.Equal(t, "aws:i-0abc", r.Key())
	assert.Equal(t, "ec2", r.Type)
	assert.Equal(t, resource.KeyExact, r.KeyMode)
	assert.Equal(t, map[string]string{"Env": "prod", "env": "dev"}, r.Tags)
	assert.Equal(t, "running", r.Metadata["state"])
	assert.Equal(t, scannedAt, r.LastScannedAt)
	assert.Empty(t, r.FetchError)

	v, ok := r.Tag("Env")
	assert.True(t, ok)
	assert.Equal(t, "prod", v)
}

func TestNormalize_AWSDuplicateKey(t *testing.T) {
	rec := &native.AWSRecord{
		ResourceID: "i-1",
		Tags:       []native.Tag{{Key: "env", Value: "a"}, {Key: "env", Value: "b"}},
	}
	_, err := Normalize(rec, scannedAt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aws:i-1")
}

func TestNormalize_AzureFoldsKeys(t *testing.T) {
	rec := &native.AzureRecord{
		ResourceID: "/subscriptions/s/resourceGroups/rg/providers/Microsoft.Compute/virtualMachines/vm1",
		Name:       "vm1",
		ARMType:    "Microsoft.Compute/virtualMachines",
		Location:   "WestEurope",
		Tags:       map[string]*string{"CostCenter": strPtr("42"), "Owner": nil},
	}

	r, err := Normalize(rec, scannedAt)

	require.NoError(t, err)
	assert.Equal(t, "vm", r.Type)
	assert.Equal(t, "westeurope", r.Region)
	assert.Equal(t, resource.KeyFold, r.KeyMode)
	assert.Equal(t, map[string]string{"costcenter": "42", "owner": ""}, r.Tags)

	v, ok := r.Tag("COSTCENTER")
	assert.True(t, ok)
	assert.Equal(t, "42", v)
}

func TestNormalize_AzureCollision(t *testing.T) {
	rec := &native.AzureRecord{
		ResourceID: "/x",
		Tags:       map[string]*string{"Env": strPtr("a"), "ENV": strPtr("b")},
	}
	_, err := Normalize(rec, scannedAt)
	assert.Error(t, err)
}

func TestUnreadable_KeepsIdentityAndCarriesCause(t *testing.T) {
	rec := &native.AzureRecord{
		ResourceID: "/subscriptions/s/vm1",
		ARMType:    "Microsoft.Compute/virtualMachines",
		Location:   "WestEurope",
		Tags:       map[string]*string{"Env": strPtr("a"), "ENV": strPtr("b")},
	}
	_, cause := Normalize(rec, scannedAt)
	require.Error(t, cause)

	r, ok := Unreadable(rec, scannedAt, cause)

	require.True(t, ok)
	assert.Equal(t, "azure:/subscriptions/s/vm1", r.Key())
	assert.Equal(t, "vm", r.Type)
	assert.Equal(t, "westeurope", r.Region)
	assert.Empty(t, r.Tags)
	assert.Equal(t, cause.Error(), r.FetchError)
	assert.Equal(t, scannedAt, r.LastScannedAt)
	assert.Len(t, rec.Tags, 2, "the record itself is left alone")

	_, ok = Unreadable(&native.AWSRecord{ResourceType: "ec2"}, scannedAt, cause)
	assert.False(t, ok, "records without an id are dropped")
}

func TestNormalize_GCPZoneToRegion(t *testing.T) {
	rec := &native.GCPRecord{
		ResourceID: "projects/p/zones/us-central1-a/instances/api",
		Kind:       "compute-instance",
		Name:       "api",
		Zone:       "us-central1-a",
		Labels:     map[string]string{"team": "core"},
	}

	r, err := Normalize(rec, scannedAt)

	require.NoError(t, err)
	assert.Equal(t, "us-central1", r.Region)
	assert.Equal(t, "us-central1-a", r.Metadata["zone"])
	assert.Equal(t, "compute-instance", r.Type)
}

func TestNormalize_MissingIDIsRecordError(t *testing.T) {
	_, err := Normalize(&native.GCPRecord{Kind: "storage-bucket"}, scannedAt)
	assert.ErrorIs(t, err, ErrMissingID)

	_, err = Normalize(nil, scannedAt)
	assert.Error(t, err)
}

func TestNormalize_FetchErrorCarried(t *testing.T) {
	rec := &native.AWSRecord{ResourceID: "bucket", ResourceType: "s3", TagErr: errors.New("access denied")}

	r, err := Normalize(rec, scannedAt)

	require.NoError(t, err)
	assert.Equal(t, "access denied", r.FetchError)
	assert.Empty(t, r.Tags)
}

func TestNormalize_MissingFieldsAreEmpty(t *testing.T) {
	r, err := Normalize(&native.AzureRecord{ResourceID: "/only/id"}, scannedAt)

	require.NoError(t, err)
	assert.Empty(t, r.Name)
	assert.Empty(t, r.Region)
	assert.Empty(t, r.Type)
	assert.NotNil(t, r.Tags)
}

func TestARMType(t *testing.T) {
	assert.Equal(t, "storage-account", ARMType("Microsoft.Storage/storageAccounts"))
	assert.Equal(t, "microsoft.keyvault/vaults", ARMType("Microsoft.KeyVault/vaults"))
}

func TestZoneRegion(t *testing.T) {
	tests := map[string]string{
		"us-central1-a":  "us-central1",
		"europe-west1-b": "europe-west1",
		"us-central1":    "us-central1",
		"":               "",
	}
	for zone, want := range tests {
		assert.Equal(t, want, ZoneRegion(zone), zone)
	}
}
