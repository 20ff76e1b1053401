package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
)

func correlationApp() *fiber.App {
	app := fiber.New()
	app.Use(CorrelationID())
	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString(GetCorrelationID(c) + "|" + CorrelationIDFromContext(c.UserContext()))
	})
	return app
}

func correlationBody(t *testing.T, req *http.Request) (string, string) {
	t.Helper()
	resp, err := correlationApp().Test(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body), resp.Header.Get(correlationHeader)
}

func TestCorrelationIDPrefersHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?cid=from-query", nil)
	req.Header.Set(correlationHeader, "from-header")

	body, echoed := correlationBody(t, req)
	require.Equal(t, "from-header|from-header", body)
	require.Equal(t, "from-header", echoed)
}

func TestCorrelationIDFallsBackToQuery(t *testing.T) {
	body, echoed := correlationBody(t, httptest.NewRequest(http.MethodGet, "/?cid=ws-1", nil))
	require.Equal(t, "ws-1|ws-1", body)
	require.Equal(t, "ws-1", echoed)
}

func TestCorrelationIDGeneratesWhenMissing(t *testing.T) {
	_, echoed := correlationBody(t, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Len(t, echoed, 36)
}
