package api

import (
	"bytes"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestItoa64(t *testing.T) {
	assert.Equal(t, "0", itoa64(0))
	assert.Equal(t, "-42", itoa64(-42))
	assert.Equal(t, "9223372036854775807", itoa64(9223372036854775807))
}

func TestCopyBodyStreamsAllBytes(t *testing.T) {
	rec := httptest.NewRecorder()
	content := bytes.Repeat([]byte("x"), 200*1024)
	copyBody(rec, bytes.NewReader(content))
	assert.Equal(t, content, rec.Body.Bytes())
}
