package apperr_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"runline/internal/apperr"
)

func TestCodeOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want apperr.Code
	}{
		{"nil", nil, ""},
		{"direct", apperr.New(apperr.Conflict, "budget exceeded"), apperr.Conflict},
		{"wrapped", fmt.Errorf("step: %w", apperr.New(apperr.NotFound, "run missing")), apperr.NotFound},
		{"missing table", errors.New("SQL logic error: no such table: runs (1)"), apperr.DBNotMigrated},
		{"missing column", errors.New("no such column: workflow_run_id"), apperr.DBNotMigrated},
		{"plain", errors.New("boom"), apperr.Internal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, apperr.CodeOf(tc.err))
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	require.Equal(t, http.StatusBadRequest, apperr.HTTPStatus(apperr.BadRequest))
	require.Equal(t, http.StatusConflict, apperr.HTTPStatus(apperr.Conflict))
	require.Equal(t, http.StatusBadGateway, apperr.HTTPStatus(apperr.BadGateway))
	require.Equal(t, http.StatusInternalServerError, apperr.HTTPStatus(apperr.Internal))
}

func TestWrapUnwraps(t *testing.T) {
	base := errors.New("dial tcp: refused")
	err := apperr.Wrap(apperr.BadGateway, base, "substrate start")
	require.ErrorIs(t, err, base)
	require.Equal(t, "substrate start: dial tcp: refused", err.Error())
	require.False(t, apperr.Retryable(apperr.New(apperr.BadRequest, "x")))
	require.True(t, apperr.Retryable(err))
}
