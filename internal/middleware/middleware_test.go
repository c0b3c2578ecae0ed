package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskmgr818/credit-ledger/internal/auth"
	appctx "github.com/taskmgr818/credit-ledger/internal/context"
	"github.com/taskmgr818/credit-ledger/internal/dbtest"
	"github.com/taskmgr818/credit-ledger/internal/logging"
	"github.com/taskmgr818/credit-ledger/internal/model"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func do(r http.Handler, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func errorClass(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body appctx.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error.Class
}

func TestAPIKeyAuth(t *testing.T) {
	users := auth.NewUserService(dbtest.Open(t, &model.User{}))
	ctx := context.Background()
	alice, err := users.Create(ctx, "alice@example.com", model.RoleUser)
	require.NoError(t, err)
	root, err := users.Create(ctx, "root@example.com", model.RoleAdmin)
	require.NoError(t, err)

	r := gin.New()
	authed := r.Group("/", APIKeyAuth(users))
	authed.GET("/me", func(c *gin.Context) { c.String(http.StatusOK, appctx.GetUserID(c)) })
	authed.GET("/admin", RequireAdmin(), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	rec := do(r, "GET", "/me", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "authorization", errorClass(t, rec))

	rec = do(r, "GET", "/me", http.Header{"Authorization": {"Bearer sk-nope"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(r, "GET", "/me", http.Header{"Authorization": {"Bearer " + alice.APIKey}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, alice.ID, rec.Body.String())

	rec = do(r, "GET", "/me", http.Header{"X-API-Key": {alice.APIKey}})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(r, "GET", "/me?api_key="+alice.APIKey, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(r, "GET", "/admin", http.Header{"Authorization": {"Bearer " + alice.APIKey}})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", errorClass(t, rec))

	rec = do(r, "GET", "/admin", http.Header{"Authorization": {"Bearer " + root.APIKey}})
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestCronAuth(t *testing.T) {
	r := gin.New()
	r.GET("/cron", CronAuth("s3cret"), func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusUnauthorized, do(r, "GET", "/cron", nil).Code)
	assert.Equal(t, http.StatusUnauthorized,
		do(r, "GET", "/cron", http.Header{"Authorization": {"Bearer wrong"}}).Code)
	assert.Equal(t, http.StatusOK,
		do(r, "GET", "/cron", http.Header{"Authorization": {"Bearer s3cret"}}).Code)

	unset := gin.New()
	unset.GET("/cron", CronAuth(""), func(c *gin.Context) { c.Status(http.StatusOK) })
	assert.Equal(t, http.StatusUnauthorized,
		do(unset, "GET", "/cron", http.Header{"Authorization": {"Bearer "}}).Code)
}

func TestLoggerWritesOneLinePerRequest(t *testing.T) {
	var buf bytes.Buffer
	l := logging.New("info", "json", &buf)

	r := gin.New()
	r.Use(Logger(l))
	r.GET("/ping/:id", func(c *gin.Context) { c.Status(http.StatusTeapot) })
	do(r, "GET", "/ping/7", nil)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "http", line["component"])
	assert.Equal(t, "/ping/7", line["path"])
	assert.Equal(t, "/ping/:id", line["route"])
	assert.Equal(t, float64(http.StatusTeapot), line["status"])
	assert.Equal(t, "warning", line["level"])
}

func TestCORS(t *testing.T) {
	r := gin.New()
	r.Use(CORS([]string{"https://app.example.com"}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	rec := do(r, "GET", "/x", http.Header{"Origin": {"https://app.example.com"}})
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = do(r, "GET", "/x", http.Header{"Origin": {"https://evil.example.com"}})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
