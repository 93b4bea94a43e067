package apierror_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ystolzenburg/accountmeta/apierror"
)

func TestNew(t *testing.T) {
	err := apierror.New(errors.New("test error"), apierror.Unknown, 0)
	require.Equal(t, "test error", err.Error())
	require.Equal(t, apierror.Unknown, err.Code())

	err = apierror.New(nil, apierror.NotFound, http.StatusNotFound)
	require.Equal(t, string(apierror.NotFound), err.Error())
	require.Equal(t, http.StatusNotFound, err.Status())

	err = apierror.New(nil, "", 999)
	require.Equal(t, "999", err.Error())
	require.Equal(t, apierror.Unknown, err.Code())
}

func TestFromResponse(t *testing.T) {
	err := apierror.FromResponse(0, []byte(" hello world\n"))
	require.Equal(t, "hello world", err.Error())

	err = apierror.FromResponse(http.StatusTeapot, []byte(" hello world\n"))
	require.Equal(t, "hello world", err.Error())

	ae, ok := err.(*apierror.Error)
	require.True(t, ok)
	require.Equal(t, http.StatusTeapot, ae.Status())
	require.Equal(t, apierror.Unknown, ae.Code())

	for status, code := range map[int]apierror.Code{
		http.StatusUnauthorized:    apierror.Unauthorized,
		http.StatusForbidden:       apierror.Unauthorized,
		http.StatusNotFound:        apierror.NotFound,
		http.StatusTooManyRequests: apierror.Throttled,
	} {
		err = apierror.FromResponse(status, nil)
		require.Equal(t, code, apierror.CodeOf(err))
	}
}

func TestThrottled(t *testing.T) {
	resumeAt := time.Now().Add(time.Minute)
	err := apierror.NewThrottled(nil, http.StatusTooManyRequests, resumeAt)
	require.Equal(t, apierror.Throttled, err.Code())
	require.Equal(t, resumeAt, err.ResumeAt())
	require.Equal(t, string(apierror.Throttled), err.Error())
}

func TestCodeOf(t *testing.T) {
	require.Equal(t, apierror.Code(""), apierror.CodeOf(nil))
	require.Equal(t, apierror.Unknown, apierror.CodeOf(errors.New("plain")))

	err := fmt.Errorf("wrapped: %w", apierror.New(nil, apierror.NoCredentials, 0))
	require.Equal(t, apierror.NoCredentials, apierror.CodeOf(err))
}

func TestEncodeDecode(t *testing.T) {
	data := apierror.EncodeError(nil)
	require.Nil(t, data)

	derr := apierror.DecodeError(nil)
	require.Nil(t, derr)

	derr = apierror.DecodeError([]byte("hello world"))
	require.ErrorContains(t, derr, "cannot decode error message")

	err := apierror.New(errors.New("cannot find it"), apierror.NotFound, http.StatusNotFound)
	data = apierror.EncodeError(err)

	derr = apierror.DecodeError(data)
	require.Equal(t, "cannot find it", derr.Error())

	ae, ok := derr.(*apierror.Error)
	require.True(t, ok)
	require.Equal(t, http.StatusNotFound, ae.Status())
	require.Equal(t, apierror.NotFound, ae.Code())

	someErr := errors.New("some error")
	data = apierror.EncodeError(someErr)

	derr = apierror.DecodeError(data)
	require.Equal(t, "some error", derr.Error())
}

func TestUnwrap(t *testing.T) {
	errEOF := errors.New("end of file")
	err := apierror.New(errEOF, apierror.NetworkError, 0)
	require.ErrorIs(t, err, errEOF)
}
