package srmerror

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"configuration", Configuration("SRM_MASTER_KEY", "missing", nil), ClassConfiguration},
		{"validation", NewValidation(FieldError{Field: "CN", Code: "pattern"}), ClassValidation},
		{"integrity wrapped", fmt.Errorf("load key: %w", Integrity("private_key", "auth failed", nil)), ClassIntegrity},
		{"transient", Transient("https://srm/transaction", 503, nil), ClassTransient},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"protocol", &ProtocolError{StatusCode: 400, Errors: []RegulatorError{{Code: "E01"}}}, ClassProtocol},
		{"overflow", &OverflowError{What: "qr", Limit: 2048, Actual: 3000}, ClassOverflow},
		{"canceled", context.Canceled, ClassCanceled},
		{"unknown", errors.New("boom"), ClassUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Transient("x", 0, errors.New("connection refused"))))
	assert.True(t, IsRetryable(fmt.Errorf("send: %w", context.DeadlineExceeded)))
	assert.False(t, IsRetryable(&ProtocolError{StatusCode: 422}))
	assert.False(t, IsRetryable(Integrity("chain", "broken", nil)))
	assert.False(t, IsRetryable(nil))
}

func TestValidationErrorCollectsAllFields(t *testing.T) {
	v := NewValidation()
	require.NoError(t, v.OrNil())

	v.Add("O", "pattern", "bad format")
	v.Add("CN", "required", "missing")

	err := v.OrNil()
	require.Error(t, err)
	assert.Equal(t, "validation error: O (pattern), CN (required)", err.Error())
	assert.True(t, v.HasField("CN"))
	assert.False(t, v.HasField("OU"))
}

func TestProtocolErrorKeepsRegulatorOrder(t *testing.T) {
	err := &ProtocolError{
		Endpoint:   "enrollment",
		StatusCode: 400,
		Errors: []RegulatorError{
			{Code: "27", Field: "csr", Message: "invalid subject"},
			{Code: "04", Message: "bad auth code"},
		},
	}
	assert.Equal(t, []string{"27", "04"}, err.Codes())
	assert.Contains(t, err.Error(), "27,04")
}
