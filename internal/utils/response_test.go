package utils_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-crm/internal/utils"
)

func TestResponseEnvelopes(t *testing.T) {
	cases := []struct {
		name    string
		handler fiber.Handler
		status  int
		success bool
		message string
		present []string
		absent  []string
	}{
		{
			name: "ok with partial meta",
			handler: func(c *fiber.Ctx) error {
				return utils.OK(c, []string{"c1"}, "", fiber.Map{"partial": true})
			},
			status: fiber.StatusOK, success: true, message: "success",
			present: []string{"data", "meta"}, absent: []string{"details"},
		},
		{
			name: "created",
			handler: func(c *fiber.Ctx) error {
				return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "group created", fiber.Map{"id": "g1"})
			},
			status: fiber.StatusCreated, success: true, message: "group created",
			present: []string{"data"}, absent: []string{"meta", "details"},
		},
		{
			name: "fail with details",
			handler: func(c *fiber.Ctx) error {
				return utils.Fail(c, fiber.StatusForbidden, "insufficient permissions", fiber.Map{"required_role": "manager"})
			},
			status: fiber.StatusForbidden, success: false, message: "insufficient permissions",
			present: []string{"details"}, absent: []string{"data"},
		},
		{
			name: "error defaults",
			handler: func(c *fiber.Ctx) error {
				return utils.SendError(c, fiber.StatusUnauthorized, "")
			},
			status: fiber.StatusUnauthorized, success: false, message: "error",
			absent: []string{"data", "details", "meta"},
		},
		{
			name: "zero status becomes 500",
			handler: func(c *fiber.Ctx) error {
				return utils.Fail(c, 0, "boom", nil)
			},
			status: fiber.StatusInternalServerError, success: false, message: "boom",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := fiber.New()
			app.Get("/", tc.handler)

			resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil), -1)
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, tc.status, resp.StatusCode)

			var payload map[string]interface{}
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
			require.Equal(t, tc.success, payload["success"])
			require.Equal(t, tc.message, payload["message"])
			for _, key := range tc.present {
				require.Contains(t, payload, key)
			}
			for _, key := range tc.absent {
				require.NotContains(t, payload, key)
			}
		})
	}
}
