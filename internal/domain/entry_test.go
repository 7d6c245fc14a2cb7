package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRegistration() *FileRegistration {
	return &FileRegistration{
		ID:          "asset-1",
		DownloadURL: "https://example.com/asset-1.bin",
		Version:     1,
	}
}

func TestValidate_ValidRegistration(t *testing.T) {
	assert.NoError(t, validRegistration().Validate())
}

func TestValidate_EmptyID(t *testing.T) {
	reg := validRegistration()
	reg.ID = ""

	err := reg.Validate()
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "id", verr.Field)
}

func TestValidate_EmptyURL(t *testing.T) {
	reg := validRegistration()
	reg.DownloadURL = ""
	assert.Error(t, reg.Validate())
}

func TestValidate_NegativeTTL(t *testing.T) {
	reg := validRegistration()
	reg.TTLSeconds = -1
	assert.Error(t, reg.Validate())
}

func TestValidate_NegativeTotalBytes(t *testing.T) {
	reg := validRegistration()
	reg.TotalBytes = Int64Ptr(-5)
	assert.Error(t, reg.Validate())
}

func TestEffectivePriority_Default(t *testing.T) {
	reg := validRegistration()
	assert.Equal(t, DefaultPriority, reg.EffectivePriority())
}

func TestEffectivePriority_ExplicitZero(t *testing.T) {
	reg := validRegistration()
	reg.Priority = IntPtr(0)
	assert.Equal(t, 0, reg.EffectivePriority())
}

func TestNewRegistryEntry_Defaults(t *testing.T) {
	entry := NewRegistryEntry(validRegistration())

	assert.Equal(t, "asset-1", entry.ID)
	assert.Equal(t, StatusPending, entry.Status)
	assert.Equal(t, DefaultPriority, entry.Priority)
	assert.NotZero(t, entry.RegisteredAt)
	assert.Equal(t, entry.RegisteredAt, entry.UpdatedAt)
}

func TestStatusReady(t *testing.T) {
	assert.True(t, StatusComplete.Ready())
	assert.True(t, StatusExpired.Ready())
	assert.False(t, StatusPending.Ready())
	assert.False(t, StatusInProgress.Ready())
	assert.False(t, StatusPaused.Ready())
	assert.False(t, StatusFailed.Ready())
	assert.False(t, StatusDeferred.Ready())
}

func TestResetForRefresh_RetainsPayload(t *testing.T) {
	q := &QueueEntry{
		ID:              "asset-1",
		Status:          StatusComplete,
		Data:            []byte("payload"),
		MimeType:        StringPtr("image/png"),
		BytesDownloaded: 7,
		ByteOffset:      7,
		RetryCount:      2,
		CompletedAt:     Int64Ptr(123),
		ExpiresAt:       Int64Ptr(456),
		ErrorMessage:    StringPtr("boom"),
	}

	q.ResetForRefresh()

	assert.Equal(t, StatusPending, q.Status)
	assert.Equal(t, []byte("payload"), q.Data, "payload survives a refresh reset")
	assert.Equal(t, "image/png", *q.MimeType)
	assert.Zero(t, q.BytesDownloaded)
	assert.Zero(t, q.ByteOffset)
	assert.Zero(t, q.RetryCount)
	assert.Nil(t, q.CompletedAt)
	assert.Nil(t, q.ExpiresAt)
	assert.Nil(t, q.ErrorMessage)
}

func TestResetForRequeue_ClearsPayload(t *testing.T) {
	q := &QueueEntry{
		ID:       "asset-1",
		Status:   StatusComplete,
		Data:     []byte("payload"),
		MimeType: StringPtr("image/png"),
	}

	q.ResetForRequeue()

	assert.Equal(t, StatusPending, q.Status)
	assert.Nil(t, q.Data)
	assert.Nil(t, q.MimeType)
	assert.Nil(t, q.TotalBytes)
}

func TestPercent(t *testing.T) {
	assert.Nil(t, Percent(10, nil), "unknown total yields nil percent")

	p := Percent(512, Int64Ptr(1024))
	require.NotNil(t, p)
	assert.Equal(t, 50, *p)

	p = Percent(1, Int64Ptr(3))
	require.NotNil(t, p)
	assert.Equal(t, 33, *p)

	p = Percent(0, Int64Ptr(0))
	require.NotNil(t, p)
	assert.Equal(t, 100, *p, "zero-byte file reads as fully downloaded")
}

func TestProjectStatus_PercentFromMirror(t *testing.T) {
	reg := NewRegistryEntry(validRegistration())
	reg.BytesDownloaded = 256
	reg.TotalBytes = Int64Ptr(1024)

	view := ProjectStatus(reg)
	require.NotNil(t, view.Percent)
	assert.Equal(t, 25, *view.Percent)

	reg.TotalBytes = nil
	view = ProjectStatus(reg)
	assert.Nil(t, view.Percent)
}
