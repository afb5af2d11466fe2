package attachments

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoad(t *testing.T) {
	s := NewFileStore(t.TempDir())
	ref, err := s.Save("abc123.jpg", []byte("jpegbytes"))
	require.NoError(t, err)
	assert.Equal(t, "attachments/abc123.jpg", ref)

	got, err := s.Load(ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpegbytes"), got)

	b64, err := s.Base64(ref)
	require.NoError(t, err)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("jpegbytes")), b64)
}

func TestRejectsTraversal(t *testing.T) {
	s := NewFileStore(t.TempDir())
	_, err := s.Save("../etc", []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidRef)
	_, err = s.Load("attachments/../../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidRef)
	_, err = s.Load("/etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidRef)
}
