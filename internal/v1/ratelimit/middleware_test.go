package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConnectFlow_IPThenUser runs the two connect checks in sequence: the IP
// limit first, then the per-user limit for a known identity. Only the IP check
// is applied by the server's /ws route.
func TestConnectFlow_IPThenUser(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	gin.SetMode(gin.TestMode)
	ctx, _ := gin.CreateTestContext(httptest.NewRecorder())
	ctx.Request, _ = http.NewRequest("GET", "/ws/room/ABCD", nil)

	require.True(t, rl.CheckWebSocketConnectIP(ctx))
	require.NoError(t, rl.CheckWebSocketConnectUser(context.Background(), "user-1"))
}

func TestCheckWebSocketConnectUser_IndependentPerUser(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		assert.NoError(t, rl.CheckWebSocketConnectUser(ctx, "user-a"))
	}
	assert.Error(t, rl.CheckWebSocketConnectUser(ctx, "user-a"))
	// A different user's bucket is untouched.
	assert.NoError(t, rl.CheckWebSocketConnectUser(ctx, "user-b"))
}
