// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCorrelationIDIsValid(t *testing.T) {
	id := NewCorrelationID()
	assert.True(t, id.IsValid())
}

func TestValidateUUIDRejectsGarbage(t *testing.T) {
	_, ok := ValidateUUID("not-a-uuid")
	assert.False(t, ok)

	id, ok := ValidateUUID("123e4567-e89b-12d3-a456-426614174000")
	require.True(t, ok)
	assert.Equal(t, CorrelationID("123e4567-e89b-12d3-a456-426614174000"), id)
}

func TestFromContextGeneratesWhenMissing(t *testing.T) {
	id := FromContext(context.Background())
	assert.True(t, id.IsValid())
	assert.Equal(t, CorrelationID(""), FromContextOrEmpty(context.Background()))
}

func TestExtractFromRequestPrefersCorrelationHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderCorrelationID, "correlation-value")
	req.Header.Set(HeaderRequestID, "request-value")

	id, found := ExtractFromRequest(req)
	require.True(t, found)
	assert.Equal(t, CorrelationID("correlation-value"), id)
}

func TestExtractFromRequestFallsBackToRequestID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "request-value")

	id, found := ExtractFromRequest(req)
	require.True(t, found)
	assert.Equal(t, CorrelationID("request-value"), id)
}

func TestCorrelationMiddlewareGeneratesIDWhenAbsent(t *testing.T) {
	handler := CorrelationMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := FromContextOrEmpty(r.Context())
		assert.True(t, id.IsValid())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(HeaderCorrelationID))
}

func TestCorrelationMiddlewareRejectsInvalidHeader(t *testing.T) {
	handler := CorrelationMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run for an invalid correlation id")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderCorrelationID, "not-a-uuid")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCorrelationRoundTripperInjectsHeader(t *testing.T) {
	var seen string
	rt := &CorrelationRoundTripper{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		seen = req.Header.Get(HeaderCorrelationID)
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
	})}

	ctx := ToContext(context.Background(), CorrelationID("fixed-id"))
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)

	_, err := rt.RoundTrip(req)
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", seen)
}

func TestWrapHTTPClientPreservesTimeout(t *testing.T) {
	base := &http.Client{Timeout: 5}
	wrapped := WrapHTTPClient(base)
	assert.Equal(t, base.Timeout, wrapped.Timeout)
	assert.IsType(t, &CorrelationRoundTripper{}, wrapped.Transport)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }
