package catalog

import (
	"errors"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantKind   Kind
		userFacing bool
	}{
		{"missing composite index", status.Error(codes.FailedPrecondition, "query requires an index"), KindConfig, true},
		{"permission denied", status.Error(codes.PermissionDenied, "no"), KindPermission, false},
		{"record not found", status.Error(codes.NotFound, "gone"), KindNotFound, false},
		{"object not found", storage.ErrObjectNotExist, KindNotFound, false},
		{"transport failure", errors.New("connection reset"), KindNetwork, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("test op", tt.err)
			var cerr *Error
			assert.ErrorAs(t, err, &cerr)
			assert.Equal(t, tt.wantKind, cerr.Kind)
			assert.Equal(t, tt.userFacing, UserFacing(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}

	t.Run("nil stays nil", func(t *testing.T) {
		assert.NoError(t, classify("test op", nil))
	})
}

func TestRecordFromData(t *testing.T) {
	data := map[string]any{
		"title":       "Linear Algebra Notes",
		"storagePath": "documents/abc.pdf",
		"uploaderId":  "user-1",
		"pageCount":   int64(42),
	}
	rec := recordFromData("doc-1", data)

	assert.Equal(t, "doc-1", rec.ID)
	assert.Equal(t, "Linear Algebra Notes", rec.Title)
	assert.Equal(t, 42, rec.PageCount)
	assert.Equal(t, "Unknown", rec.FileSize, "missing size falls back to the sentinel")
	assert.True(t, rec.UploadedAt.IsZero())
}
