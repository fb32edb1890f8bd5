package dto

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-feedback-service/internal/apperror"
)

func TestDecodeInboundMessageAcceptsImageAlias(t *testing.T) {
	message, err := DecodeInboundMessage([]byte(`{"submission_id":" s1 ","student_id":"st","assignment_id":"a","img_url":"img://x","plagiarism_score":1.4}`), NewValidator())
	require.NoError(t, err)
	require.Equal(t, "s1", message.SubmissionID)
	require.Equal(t, "img://x", message.ContentRef)
	require.Equal(t, 1.0, message.PlagiarismScore)
	require.NotNil(t, message.SimilarSources)
}

func TestDecodeInboundMessageReportsMissingFields(t *testing.T) {
	_, err := DecodeInboundMessage([]byte(`{"submission_id":"s1","student_id":"st"}`), NewValidator())
	require.True(t, apperror.IsValidation(err))

	var validationErr *apperror.ValidationError
	require.ErrorAs(t, err, &validationErr)
	require.ElementsMatch(t, []string{"assignment_id", "content_ref"}, validationErr.Fields)
}

func TestDecodeInboundMessageRejectsMalformedJSON(t *testing.T) {
	_, err := DecodeInboundMessage([]byte(`{"submission_id":`), NewValidator())
	require.True(t, apperror.IsValidation(err))
}
