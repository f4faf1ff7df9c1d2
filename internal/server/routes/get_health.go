package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

func HealthHandler(c echo.Context) error {
	ac, _ := appContext(c)
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"stats":  ac.App.Engine.Stats(),
	})
}
