package exit

import (
	"context"
	"testing"

	"github.com/ProtonMail/airsync/internal/contexts"
	"github.com/stretchr/testify/assert"
)

func TestMap(t *testing.T) {
	tests := []struct {
		status Status
		user   bool
		want   Report
	}{
		{status: Done, want: Report{Status: Success}},
		{status: IOError, user: true, want: Report{Status: ConnectionError}},
		{status: IOError, want: Report{Status: Success}},
		{status: LoginFailure, want: Report{Status: LoginFailed}},
		{status: SecurityFailure, want: Report{Status: SecurityFailed, RefreshFolders: true}},
		{status: AccessDenied, want: Report{Status: AccessDeniedError}},
		{status: Exception, want: Report{Status: ExceptionError}},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Map(tt.status, tt.user), "%v user=%v", tt.status, tt.user)
	}
}

func TestMapContext(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, Success, MapContext(ctx, IOError).Status)
	assert.Equal(t, ConnectionError, MapContext(contexts.AsUserRequest(ctx), IOError).Status)
}
