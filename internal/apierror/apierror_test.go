package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type kindOnly struct{}

func (kindOnly) Error() string { return "dial tcp: connection refused" }
func (kindOnly) Kind() string  { return "UpstreamError" }

type forbidden struct{}

func (forbidden) Error() string   { return "session id is wrong" }
func (forbidden) StatusCode() int { return http.StatusForbidden }
func (forbidden) Title() string   { return "Forbidden" }

func TestNormalizeSingleError(t *testing.T) {
	doc := Normalize(errors.New("boom"))
	require.Len(t, doc.Errors, 1)
	assert.Equal(t, Error{Status: 500, Title: "Internal Server Error", Detail: "boom"}, doc.Errors[0])
	assert.Equal(t, http.StatusInternalServerError, doc.Status())
}

func TestNormalizeUsesKindWhenNoTitle(t *testing.T) {
	doc := Normalize(kindOnly{})
	require.Len(t, doc.Errors, 1)
	assert.Equal(t, 500, doc.Errors[0].Status)
	assert.Equal(t, "UpstreamError", doc.Errors[0].Title)
	assert.Equal(t, "dial tcp: connection refused", doc.Errors[0].Detail)
}

func TestNormalizeSequenceUsesFirstStatus(t *testing.T) {
	doc := Normalize(forbidden{}, nil, errors.New("second"))
	require.Len(t, doc.Errors, 2)
	assert.Equal(t, http.StatusForbidden, doc.Status())
	assert.Equal(t, "Forbidden", doc.Errors[0].Title)
	assert.Equal(t, 500, doc.Errors[1].Status)
}

func TestNormalizeIsTotal(t *testing.T) {
	doc := Normalize()
	require.Len(t, doc.Errors, 1)
	assert.Equal(t, genericDetail, doc.Errors[0].Detail)

	doc = Normalize(errors.New("   "))
	assert.Equal(t, genericDetail, doc.Errors[0].Detail)

	doc = Normalize(New(799, "", "odd"))
	assert.Equal(t, 799, doc.Errors[0].Status)
	assert.Equal(t, "Error", doc.Errors[0].Title)
}

func TestWithDetailKeepsStatusAndTitle(t *testing.T) {
	base := forbidden{}
	err := WithDetail(base, `"x-andromeda-session-id" is wrong`)
	doc := Normalize(err)
	assert.Equal(t, Error{Status: 403, Title: "Forbidden", Detail: `"x-andromeda-session-id" is wrong`}, doc.Errors[0])
	assert.ErrorIs(t, err, base)
	assert.Nil(t, WithDetail(nil, "x"))
}

func TestNormalizeLooksThroughWrapping(t *testing.T) {
	doc := Normalize(fmt.Errorf("check session: %w", forbidden{}))
	assert.Equal(t, Error{Status: 403, Title: "Forbidden", Detail: "check session: session id is wrong"}, doc.Errors[0])
}

func TestWrite(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, New(http.StatusBadRequest, "Bad Request", "bad state"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ContentType, rec.Header().Get("Content-Type"))

	var doc Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, []Error{{Status: 400, Title: "Bad Request", Detail: "bad state"}}, doc.Errors)
}
