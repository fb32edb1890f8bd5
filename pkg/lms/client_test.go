package lms

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFetchAssignmentContextUnwrapsMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/method/get_assignment_context", r.URL.Path)
		require.Equal(t, "token key:secret", r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "a1", body["assignment_id"])

		_, _ = w.Write([]byte(`{"message":{"assignment":{"name":"Draw","type":"Practical","subject":"Arts - Visual","description":"Draw a tree","max_score":"10","reference_image":"https://img/ref.png"},"learning_objectives":[{"objective":"LO1","description":" Shading "}]}}`))
	}))
	defer server.Close()

	client, err := NewClient(Config{BaseURL: server.URL + "/", ContextEndpoint: "/api/method/get_assignment_context", APIKey: "key", APISecret: "secret"})
	require.NoError(t, err)

	result, err := client.FetchAssignmentContext(context.Background(), "a1")
	require.NoError(t, err)
	require.Equal(t, "Draw", result.Assignment.Name)
	require.Equal(t, 10.0, result.Assignment.MaxScoreValue())
	require.Len(t, result.LearningObjectives, 1)
	require.Equal(t, "Shading", result.LearningObjectives[0].Description)
}

func TestFetchAssignmentContextAcceptsUnwrappedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"assignment":{"name":"Draw","max_score":5},"learning_objectives":[]}`))
	}))
	defer server.Close()

	client, err := NewClient(Config{BaseURL: server.URL, ContextEndpoint: "ctx"})
	require.NoError(t, err)

	result, err := client.FetchAssignmentContext(context.Background(), "a1")
	require.NoError(t, err)
	require.Equal(t, 5.0, result.Assignment.MaxScoreValue())
}

func TestFetchAssignmentContextStatusErrors(t *testing.T) {
	status := http.StatusUnauthorized
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"exc":"denied"}`))
	}))
	defer server.Close()

	client, err := NewClient(Config{BaseURL: server.URL, ContextEndpoint: "ctx"})
	require.NoError(t, err)

	_, err = client.FetchAssignmentContext(context.Background(), "a1")
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	require.True(t, statusErr.Permanent())

	status = http.StatusBadGateway
	_, err = client.FetchAssignmentContext(context.Background(), "a1")
	require.True(t, errors.As(err, &statusErr))
	require.False(t, statusErr.Permanent())
}

func TestFetchAssignmentContextMalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>oops</html>`))
	}))
	defer server.Close()

	client, err := NewClient(Config{BaseURL: server.URL, ContextEndpoint: "ctx"})
	require.NoError(t, err)

	_, err = client.FetchAssignmentContext(context.Background(), "a1")
	require.ErrorIs(t, err, ErrMalformedResponse)
}
